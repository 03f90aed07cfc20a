// Package state wraps a bbolt database holding everything permasync
// needs to remember between runs: the crawler's view of the remote file
// index, the scanner's last-seen local file records, and the cached
// wallet balances and price quotes used as conservative fallbacks when
// the gateway is unreachable.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	remoteBucket = []byte("remote")
	localBucket  = []byte("local")
	walletBucket = []byte("wallet")

	walletSnapshotKey = []byte("snapshot")
)

// RemoteFile is one entry in the crawler-maintained index of files known
// to exist on the permanent storage network. DataHash is the content
// hash of the published data. Preview holds the beginning of small text
// files when the crawler cached it, and is used only to enrich conflict
// details.
type RemoteFile struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Parent   string `json:"parent"`
	DataHash string `json:"datahash"`
	TxID     string `json:"txid"`
	Size     int64  `json:"size"`
	MTime    int64  `json:"mtime"`
	Hidden   bool   `json:"hidden"`
	Preview  []byte `json:"preview,omitempty"`
}

// LocalFile is the scanner's record of a file seen on disk during the
// previous run. Hash is the blake3 content hash; it is recomputed when
// mtime or size changes.
type LocalFile struct {
	Path  string `json:"path"`
	MTime int64  `json:"mtime"`
	Size  int64  `json:"size"`
	Hash  string `json:"hash"`
}

// WalletSnapshot caches the last successfully fetched balances and price
// quotes. The gateway client reads it back as a fallback when the live
// oracles are unavailable, so estimation degrades to stale-but-sane
// numbers instead of blocking approval.
type WalletSnapshot struct {
	Winston       int64     `json:"winston"`
	Credits       int64     `json:"credits"`
	WinstonPerGiB int64     `json:"winston_per_gib"`
	CreditsPerGiB int64     `json:"credits_per_gib"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// State wraps a bbolt database for all persistent application state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.permasync/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(remoteBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucketIfNotExists(localBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(walletBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// GetRemoteFile returns the remote index entry for a path, or nil if the
// crawler has no record of it.
func (s *State) GetRemoteFile(path string) (*RemoteFile, error) {
	var rf *RemoteFile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(remoteBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		rf = &RemoteFile{}

		return json.Unmarshal(v, rf)
	})

	return rf, err
}

// SetRemoteFile persists a remote index entry, keyed by path.
func (s *State) SetRemoteFile(rf RemoteFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rf)
		if err != nil {
			return err
		}

		return tx.Bucket(remoteBucket).Put([]byte(rf.Path), data)
	})
}

// DeleteRemoteFile removes a remote index entry. Entries are removed
// rather than flagged: the classifier treats a missing entry as "no
// remote counterpart", which is exactly what a removed file means.
func (s *State) DeleteRemoteFile(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteBucket).Delete([]byte(path))
	})
}

// AllRemoteFiles returns the full remote index keyed by path.
func (s *State) AllRemoteFiles() (map[string]RemoteFile, error) {
	result := make(map[string]RemoteFile)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteBucket).ForEach(func(k, v []byte) error {
			var rf RemoteFile
			if err := json.Unmarshal(v, &rf); err != nil {
				return err
			}

			result[string(k)] = rf

			return nil
		})
	})

	return result, err
}

// FindRemoteByName returns a remote entry with the given parent and
// name, or nil. Used by the conflict classifier to detect filename
// collisions at paths the crawler maps to a different target.
func (s *State) FindRemoteByName(parent, name string) (*RemoteFile, error) {
	var found *RemoteFile

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteBucket).ForEach(func(k, v []byte) error {
			if found != nil {
				return nil
			}

			var rf RemoteFile
			if err := json.Unmarshal(v, &rf); err != nil {
				return err
			}

			if rf.Parent == parent && rf.Name == name {
				found = &rf
			}

			return nil
		})
	})

	return found, err
}

// GetLocalFile returns the scanner record for a path, or nil if not seen.
func (s *State) GetLocalFile(path string) (*LocalFile, error) {
	var lf *LocalFile

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(localBucket).Get([]byte(path))
		if v == nil {
			return nil
		}

		lf = &LocalFile{}

		return json.Unmarshal(v, lf)
	})

	return lf, err
}

// SetLocalFile persists the scanner record for a path.
func (s *State) SetLocalFile(lf LocalFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(lf)
		if err != nil {
			return err
		}

		return tx.Bucket(localBucket).Put([]byte(lf.Path), data)
	})
}

// DeleteLocalFile removes the scanner record for a path.
func (s *State) DeleteLocalFile(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(localBucket).Delete([]byte(path))
	})
}

// AllLocalFiles returns all scanner records keyed by path.
func (s *State) AllLocalFiles() (map[string]LocalFile, error) {
	result := make(map[string]LocalFile)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(localBucket).ForEach(func(k, v []byte) error {
			var lf LocalFile
			if err := json.Unmarshal(v, &lf); err != nil {
				return err
			}

			result[string(k)] = lf

			return nil
		})
	})

	return result, err
}

// WalletSnapshot returns the cached wallet snapshot, or nil if none was
// ever stored.
func (s *State) WalletSnapshot() (*WalletSnapshot, error) {
	var ws *WalletSnapshot

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(walletBucket).Get(walletSnapshotKey)
		if v == nil {
			return nil
		}

		ws = &WalletSnapshot{}

		return json.Unmarshal(v, ws)
	})

	return ws, err
}

// SetWalletSnapshot persists the wallet snapshot.
func (s *State) SetWalletSnapshot(ws WalletSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ws)
		if err != nil {
			return err
		}

		return tx.Bucket(walletBucket).Put(walletSnapshotKey, data)
	})
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database might end up inside the sync
		// tree and get published.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".permasync", "state.db")
}
