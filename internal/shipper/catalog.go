package shipper

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/bson"
)

const ARCHIVEBUCKET = "ARCHIVES"

// Archive is a catalog record for one backup zip.
type Archive struct {
	Name     string    `bson:"name"`
	Path     string    `bson:"path"`
	Entries  int       `bson:"entries"`
	Created  time.Time `bson:"created"`
	Uploaded bool      `bson:"uploaded"`
}

// Catalog remembers every archive written and whether it reached the
// object store.
type Catalog struct {
	Db *bolt.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open catalog %v: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ARCHIVEBUCKET))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Catalog{Db: db}, nil
}

func (c *Catalog) Add(a Archive) error {
	return c.put(a)
}

func (c *Catalog) put(a Archive) error {
	v, err := bson.Marshal(a)
	if err != nil {
		return err
	}
	return c.Db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ARCHIVEBUCKET)).Put([]byte(a.Name), v)
	})
}

func (c *Catalog) Get(name string) (Archive, bool, error) {
	var a Archive
	var found bool
	err := c.Db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(ARCHIVEBUCKET)).Get([]byte(name))
		if v == nil {
			return nil
		}
		found = true
		return bson.Unmarshal(v, &a)
	})
	return a, found, err
}

// Pending lists archives not uploaded yet, oldest first.
func (c *Catalog) Pending() ([]Archive, error) {
	var pending []Archive
	err := c.Db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(ARCHIVEBUCKET)).ForEach(func(k, v []byte) error {
			var a Archive
			if err := bson.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("decode archive %s: %w", k, err)
			}
			if !a.Uploaded {
				pending = append(pending, a)
			}
			return nil
		})
	})
	return pending, err
}

func (c *Catalog) MarkUploaded(name string) error {
	a, ok, err := c.Get(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("archive %v not in catalog", name)
	}
	a.Uploaded = true
	return c.put(a)
}

func (c *Catalog) Close() error {
	return c.Db.Close()
}
