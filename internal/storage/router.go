package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jittakal/stagebuf/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Router = (*DefaultRouter)(nil)

// DefaultRouter implements Hive-style partitioning for archive paths.
type DefaultRouter struct {
	protocol string
	bucket   string
	basePath string
}

// NewRouter creates a new storage router. Empty bucket or basePath
// segments are omitted from routed paths.
func NewRouter(protocol, bucket, basePath string) *DefaultRouter {
	return &DefaultRouter{
		protocol: protocol,
		bucket:   strings.Trim(bucket, "/"),
		basePath: strings.Trim(basePath, "/"),
	}
}

// Route returns the directory for a batch drained at t.
// Format: protocol://bucket/basePath/dt=YYYY-MM-DD/hour=HH/
func (r *DefaultRouter) Route(t time.Time) string {
	t = t.UTC()

	segments := make([]string, 0, 4)
	if r.bucket != "" {
		segments = append(segments, r.bucket)
	}
	if r.basePath != "" {
		segments = append(segments, r.basePath)
	}
	segments = append(segments,
		"dt="+t.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", t.Hour()),
	)

	return fmt.Sprintf("%s://%s/", r.protocol, strings.Join(segments, "/"))
}
