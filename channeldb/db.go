package channeldb

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/wire"
	"go.etcd.io/bbolt"
)

const (
	dbName = "channel.db"

	// dbFilePermission is the permission the db file is created with.
	dbFilePermission = 0600
)

var (
	// openChannelBucket stores all the currently open channels. This
	// bucket has a second, nested bucket keyed by a channel's funding
	// outpoint which houses the channel's state.
	openChannelBucket = []byte("open-chan-bucket")

	// closedChannelBucket stores summarization information concerning
	// previously open, but now closed channels.
	closedChannelBucket = []byte("closed-chan-bucket")
)

// DB is the primary datastore for the daemon. The database stores information
// related to open channel state, and historical close summaries. The
// underlying storage engine is a pure-Go embedded key-value store.
type DB struct {
	*bbolt.DB
	dbPath string
}

// Open opens an existing channeldb created under the passed path. If the
// database doesn't exist yet, it will be created within the directory, which
// itself is created if needed.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)

	if !fileExists(path) {
		if err := createChannelDB(dbPath); err != nil {
			return nil, err
		}
	}

	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return nil, err
	}

	return &DB{
		DB:     bdb,
		dbPath: dbPath,
	}, nil
}

// Wipe completely deletes all saved state within all used buckets within the
// database.
func (d *DB) Wipe() error {
	return d.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(openChannelBucket)
		if err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}

		err = tx.DeleteBucket(closedChannelBucket)
		if err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}

		return nil
	})
}

// createChannelDB creates and initializes a fresh version of channeldb. In
// the case that the target path has not yet been created or doesn't yet
// exist, then the path is created. Additionally, all required top-level
// buckets used within the database are created.
func createChannelDB(dbPath string) error {
	if !fileExists(dbPath) {
		if err := os.MkdirAll(dbPath, 0700); err != nil {
			return err
		}
	}

	path := filepath.Join(dbPath, dbName)
	bdb, err := bbolt.Open(path, dbFilePermission, nil)
	if err != nil {
		return err
	}

	err = bdb.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucket(openChannelBucket); err != nil {
			return err
		}

		if _, err := tx.CreateBucket(closedChannelBucket); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return err
	}

	return bdb.Close()
}

// fileExists returns true if the file exists, and false otherwise.
func fileExists(path string) bool {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}

	return true
}

// FetchOpenChannels returns all stored currently active/open channels. The
// returned channels are fully populated and bound to this database instance
// so that their mutating methods may be used directly.
func (d *DB) FetchOpenChannels() ([]*OpenChannel, error) {
	var channels []*OpenChannel

	err := d.View(func(tx *bbolt.Tx) error {
		openChanBucket := tx.Bucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoActiveChannels
		}

		return openChanBucket.ForEach(func(chanPoint, v []byte) error {
			// Only nested buckets (one per channel) live at this
			// level.
			if v != nil {
				return nil
			}

			chanBucket := openChanBucket.Bucket(chanPoint)
			if chanBucket == nil {
				return nil
			}

			var op wire.OutPoint
			err := readOutpoint(bytes.NewReader(chanPoint), &op)
			if err != nil {
				return err
			}

			channel, err := fetchOpenChannel(chanBucket, &op)
			if err != nil {
				return err
			}

			channel.Db = d
			channels = append(channels, channel)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// FetchChannel attempts to locate a channel specified by the passed channel
// point. If the channel cannot be found, then ErrChannelNotFound is returned.
func (d *DB) FetchChannel(chanPoint wire.OutPoint) (*OpenChannel, error) {
	var channel *OpenChannel

	err := d.View(func(tx *bbolt.Tx) error {
		openChanBucket := tx.Bucket(openChannelBucket)
		if openChanBucket == nil {
			return ErrNoActiveChannels
		}

		var chanPointBuf bytes.Buffer
		if err := writeOutpoint(&chanPointBuf, &chanPoint); err != nil {
			return err
		}

		chanBucket := openChanBucket.Bucket(chanPointBuf.Bytes())
		if chanBucket == nil {
			return ErrChannelNotFound
		}

		var err error
		channel, err = fetchOpenChannel(chanBucket, &chanPoint)
		if err != nil {
			return err
		}

		channel.Db = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// FetchClosedChannels returns a slice of summaries for all channels which
// have been closed, whether cooperatively or via a unilateral broadcast.
func (d *DB) FetchClosedChannels() ([]*ChannelCloseSummary, error) {
	var chanSummaries []*ChannelCloseSummary

	err := d.View(func(tx *bbolt.Tx) error {
		closeBucket := tx.Bucket(closedChannelBucket)
		if closeBucket == nil {
			return ErrNoCloseSummaryFound
		}

		return closeBucket.ForEach(func(chanID, summaryBytes []byte) error {
			summaryReader := bytes.NewReader(summaryBytes)
			chanSummary, err := deserializeCloseChannelSummary(
				summaryReader,
			)
			if err != nil {
				return err
			}

			chanSummaries = append(chanSummaries, chanSummary)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return chanSummaries, nil
}
