package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

const (
	dateBucketLayout = "20060102"
	fileStemLayout   = "20060102-150405"
)

// PathDeriver maps envelope timestamps and thread ids onto local artifact
// paths. Paths are bucketed by calendar day in Location.
type PathDeriver struct {
	Location *time.Location
}

// NewPathDeriver returns a deriver for loc, or for the process time zone when loc is nil.
func NewPathDeriver(loc *time.Location) PathDeriver {
	if loc == nil {
		loc = time.Local
	}
	return PathDeriver{Location: loc}
}

// ParseTimestamp parses an RFC 3339 event timestamp as a UTC instant
// truncated to the second.
func ParseTimestamp(ts string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrMalformedTimestamp, ts, err)
	}
	return t.UTC().Truncate(time.Second), nil
}

func (d PathDeriver) local(ts string) (time.Time, error) {
	t, err := ParseTimestamp(ts)
	if err != nil {
		return time.Time{}, err
	}
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc), nil
}

// LocalDateBucket formats the timestamp's local calendar day as YYYYMMDD.
func (d PathDeriver) LocalDateBucket(ts string) (string, error) {
	t, err := d.local(ts)
	if err != nil {
		return "", err
	}
	return t.Format(dateBucketLayout), nil
}

// LocalFileStem returns YYYYMMDD-HHMMSS_<threadID> in local time.
func (d PathDeriver) LocalFileStem(ts, threadID string) (string, error) {
	t, err := d.local(ts)
	if err != nil {
		return "", err
	}
	return t.Format(fileStemLayout) + "_" + threadID, nil
}

// ArtifactPath returns <date bucket>/<file stem>, the prefix shared by the
// record and clip files of one envelope.
func (d PathDeriver) ArtifactPath(env *Envelope) (string, error) {
	bucket, err := d.LocalDateBucket(env.Timestamp)
	if err != nil {
		return "", err
	}
	stem, err := d.LocalFileStem(env.Timestamp, env.EventThreadID)
	if err != nil {
		return "", err
	}
	return path.Join(bucket, stem), nil
}
