package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// EvidenceArchive implements domain.EvidenceArchive. Each transaction gets
// one JSON object at <prefix>/evidence/YYYY/MM/DD/<txRef>.json, keyed by the
// day it was first archived. A transaction already archived that day is not
// uploaded again.
type EvidenceArchive struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
	now    func() time.Time
}

var _ domain.EvidenceArchive = (*EvidenceArchive)(nil)

// NewEvidenceArchive builds an archive over the given blob store.
func NewEvidenceArchive(w domain.BlobWriter, r domain.BlobReader, prefix string) *EvidenceArchive {
	return &EvidenceArchive{
		writer: w,
		reader: r,
		prefix: strings.Trim(prefix, "/"),
		now:    time.Now,
	}
}

// Archive stores evidence for txRef and returns its object path.
func (a *EvidenceArchive) Archive(ctx context.Context, txRef string, evidence any) (string, error) {
	if txRef == "" {
		return "", fmt.Errorf("s3blob: archive evidence: empty tx ref")
	}
	key := a.key(txRef)

	if a.reader != nil {
		exists, err := a.reader.Exists(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			return key, nil
		}
	}

	body, err := json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: marshal evidence %s: %w", txRef, err)
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(body), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func (a *EvidenceArchive) key(txRef string) string {
	day := a.now().UTC().Format("2006/01/02")
	name := strings.ToLower(txRef) + ".json"
	if a.prefix == "" {
		return path.Join("evidence", day, name)
	}
	return path.Join(a.prefix, "evidence", day, name)
}
