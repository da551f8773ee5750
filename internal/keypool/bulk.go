package keypool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/ahrav/keypool/internal/domain"
	"github.com/ahrav/keypool/internal/keypool/allocator"
)

// maxImportLine bounds one line of an import stream.
const maxImportLine = 64 * 1024

// ParseImport reads newline-separated secrets. Blank lines and lines starting
// with '#' are skipped. Every request inherits tier, owner and metadata from
// template.
func ParseImport(r io.Reader, template domain.AddSecretRequest) ([]domain.AddSecretRequest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxImportLine)

	var reqs []domain.AddSecretRequest
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		req := template
		req.Secret = line
		req.Metadata = maps.Clone(template.Metadata)
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read import: %w", err)
	}
	return reqs, nil
}

// Import bulk-adds every secret in r and returns per-item results.
func (p *Pool) Import(ctx context.Context, r io.Reader, template domain.AddSecretRequest) ([]allocator.AddResult, error) {
	reqs, err := ParseImport(r, template)
	if err != nil {
		return nil, err
	}
	return p.AddSecrets(ctx, reqs), nil
}
