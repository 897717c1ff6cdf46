package attachment

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/chatstore"
)

const (
	// MaxBytes is the attachment size ceiling, inclusive.
	MaxBytes = 20 << 20

	// Bucket is the object store bucket holding chat attachments.
	Bucket = "complaint-attachments"

	PhasePut     = "put"
	PhaseResolve = "resolve"

	maxExtLen = 10
)

var ErrSizeExceeded = errors.New("attachment: size exceeds limit")

type Origin string

const (
	OriginPicked   Origin = "picked"
	OriginRecorded Origin = "recorded"
)

// Pending is a file chosen or recorded but not yet sent.
type Pending struct {
	Name        string
	ContentType string
	Data        []byte
	Kind        chatstore.MediaKind
	Origin      Origin
}

func NewPending(name, contentType string, data []byte, origin Origin) *Pending {
	return &Pending{
		Name:        name,
		ContentType: contentType,
		Data:        data,
		Kind:        Classify(contentType),
		Origin:      origin,
	}
}

func (p *Pending) Size() int64 {
	return int64(len(p.Data))
}

func (p *Pending) String() string {
	return fmt.Sprintf("%s(%s, %s, %d bytes)", p.Name, p.Kind, p.Origin, len(p.Data))
}

// IObjectStore stores binary objects under generated keys.
type IObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PublicURL(ctx context.Context, key string) (string, error)
}

// UploadError reports which phase of an upload failed.
type UploadError struct {
	Phase string
	Key   string
	Err   error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("attachment: %s `%s`: %v", e.Phase, e.Key, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// Classify maps a declared content type to a media kind. Unknown types are documents.
func Classify(contentType string) chatstore.MediaKind {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case strings.HasPrefix(ct, "image/"):
		return chatstore.MediaImage
	case strings.HasPrefix(ct, "video/"):
		return chatstore.MediaVideo
	case strings.HasPrefix(ct, "audio/"):
		return chatstore.MediaAudio
	default:
		return chatstore.MediaDocument
	}
}

// Validate rejects payloads larger than MaxBytes. Exactly MaxBytes passes.
func Validate(p *Pending) error {
	if p.Size() > MaxBytes {
		return fmt.Errorf("%w: %d bytes, max %d", ErrSizeExceeded, p.Size(), MaxBytes)
	}
	return nil
}

// StorageKey builds `<scope>/<unix millis>-<uuid>[.ext]`.
func StorageKey(scope, name string, t time.Time) string {
	scope = strings.Trim(scope, "/")
	if scope == "" {
		scope = "anonymous"
	}
	var b strings.Builder
	b.WriteString(scope)
	b.WriteByte('/')
	b.WriteString(strconv.FormatInt(t.UnixMilli(), 10))
	b.WriteByte('-')
	b.WriteString(strings.ReplaceAll(uuid.New(), "-", ""))
	if ext := extension(name); ext != "" {
		b.WriteByte('.')
		b.WriteString(ext)
	}
	return b.String()
}

func extension(name string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	if ext == "" || len(ext) > maxExtLen {
		return ""
	}
	for _, c := range ext {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}

// Pipeline uploads pending attachments. It never keeps a Pending after Upload returns.
type Pipeline struct {
	objects IObjectStore
	now     func() time.Time
}

func NewPipeline(objects IObjectStore) *Pipeline {
	return &Pipeline{
		objects: objects,
		now:     time.Now,
	}
}

// Upload writes the payload under a fresh key, then resolves its public URL.
// Either phase failing fails the upload; an object written before a resolve
// failure is left in place.
func (p *Pipeline) Upload(ctx context.Context, f *Pending, scope string) (*chatstore.AttachmentRef, error) {
	if err := Validate(f); err != nil {
		return nil, err
	}

	key := StorageKey(scope, f.Name, p.now())
	glog.V(5).Infof("attachment: uploading %s as `%s`", f, key)

	if err := p.objects.Put(ctx, key, f.Data, f.ContentType); err != nil {
		uploadsTotal.WithLabelValues("put_error").Inc()
		return nil, &UploadError{Phase: PhasePut, Key: key, Err: err}
	}

	url, err := p.objects.PublicURL(ctx, key)
	if err == nil && url == "" {
		err = errors.New("empty url")
	}
	if err != nil {
		glog.Errorf("attachment: object `%s` stored but url resolve failed: %v", key, err)
		uploadsTotal.WithLabelValues("resolve_error").Inc()
		return nil, &UploadError{Phase: PhaseResolve, Key: key, Err: err}
	}

	uploadsTotal.WithLabelValues("ok").Inc()
	uploadedBytes.Add(float64(f.Size()))
	return &chatstore.AttachmentRef{URL: url, Kind: f.Kind}, nil
}
