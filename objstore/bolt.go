package objstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

const (
	// PathPrefix is where ServeHTTP expects to be mounted.
	PathPrefix = "/objects/"

	metaBucket = "__meta"
	usageKey   = "usage"
)

var (
	ErrQuotaExceeded = errors.New("objstore: quota exceeded")
	ErrNotFound      = errors.New("objstore: object not found")
)

// Object is a stored blob with its content type.
type Object struct {
	ContentType string
	Data        []byte
}

// BoltStore keeps objects of one bucket in a bbolt file. Values are encoded
// as a uvarint content type length, the content type, then the data.
type BoltStore struct {
	db      *bbolt.DB
	bucket  []byte
	quota   int64
	baseURL string
}

// Open opens or creates the file at path. quota <= 0 means unlimited.
func Open(path, bucket string, quota int64, baseURL string) (*BoltStore, error) {
	if bucket == "" || bucket == metaBucket {
		return nil, fmt.Errorf("objstore: invalid bucket `%s`", bucket)
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{
		db:      db,
		bucket:  []byte(bucket),
		quota:   quota,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func encodeObject(contentType string, data []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64+len(contentType)+len(data))
	n := binary.PutUvarint(buf, uint64(len(contentType)))
	n += copy(buf[n:], contentType)
	n += copy(buf[n:], data)
	return buf[:n]
}

func decodeObject(v []byte) (*Object, error) {
	l, n := binary.Uvarint(v)
	if n <= 0 || uint64(len(v)-n) < l {
		return nil, errors.New("objstore: corrupted object")
	}
	end := n + int(l)
	data := make([]byte, len(v)-end)
	copy(data, v[end:])
	return &Object{ContentType: string(v[n:end]), Data: data}, nil
}

// usage is the total encoded size of the bucket.
func (s *BoltStore) usage(tx *bbolt.Tx) int64 {
	v := tx.Bucket([]byte(metaBucket)).Get(s.usageKey())
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func (s *BoltStore) setUsage(tx *bbolt.Tx, n int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(n))
	return tx.Bucket([]byte(metaBucket)).Put(s.usageKey(), v[:])
}

func (s *BoltStore) usageKey() []byte {
	return []byte(usageKey + "/" + string(s.bucket))
}

// Put stores data under key, replacing any previous object.
func (s *BoltStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("objstore: empty key")
	}
	v := encodeObject(contentType, data)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		used := s.usage(tx)
		if old := b.Get([]byte(key)); old != nil {
			used -= int64(len(old))
		}
		used += int64(len(v))
		if s.quota > 0 && used > s.quota {
			return fmt.Errorf("put `%s` of %d bytes: %w", key, len(data), ErrQuotaExceeded)
		}
		if err := b.Put([]byte(key), v); err != nil {
			return err
		}
		glog.V(5).Infof("objstore: put %s, %d bytes, usage %d", key, len(data), used)
		return s.setUsage(tx, used)
	})
}

// Get returns the object stored under key.
func (s *BoltStore) Get(key string) (*Object, error) {
	var obj *Object
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("`%s`: %w", key, ErrNotFound)
		}
		var err error
		obj, err = decodeObject(v)
		return err
	})
	return obj, err
}

// Delete removes key, missing keys are ignored.
func (s *BoltStore) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		old := b.Get([]byte(key))
		if old == nil {
			return nil
		}
		used := s.usage(tx) - int64(len(old))
		if err := b.Delete([]byte(key)); err != nil {
			return err
		}
		return s.setUsage(tx, used)
	})
}

// Usage returns the bytes accounted against the quota.
func (s *BoltStore) Usage() int64 {
	var n int64
	_ = s.db.View(func(tx *bbolt.Tx) error {
		n = s.usage(tx)
		return nil
	})
	return n
}

// PublicURL returns the download URL of an existing object.
func (s *BoltStore) PublicURL(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var found bool
	if err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(s.bucket).Get([]byte(key)) != nil
		return nil
	}); err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("`%s`: %w", key, ErrNotFound)
	}
	return s.baseURL + PathPrefix + escapeKey(key), nil
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// ServeHTTP serves GET and HEAD of /objects/<key>.
func (s *BoltStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, PathPrefix)
	if key == "" || key == r.URL.Path {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	obj, err := s.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		glog.Errorf("objstore: get %s err: %v", key, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprint(len(obj.Data)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		if _, err := w.Write(obj.Data); err != nil {
			glog.V(5).Infof("objstore: write %s err: %v", key, err)
		}
	}
}
