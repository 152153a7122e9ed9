package portable

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"outliner/api/internal/content"
	"outliner/api/internal/richtext"
)

// Sanitizer moves images pasted inline as data: URIs into the content store
// and points the content at their live URL instead.
type Sanitizer struct {
	assets *content.Store
	logger *zap.Logger
}

func NewSanitizer(assets *content.Store, logger *zap.Logger) *Sanitizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sanitizer{assets: assets, logger: logger}
}

// Sanitize rewrites every data: image source. An undecodable URI is logged
// and left in place.
func (s *Sanitizer) Sanitize(ctx context.Context, nodeContent json.RawMessage) (json.RawMessage, bool, error) {
	return richtext.RewriteImageSources(nodeContent, func(src string) (string, error) {
		if !strings.HasPrefix(src, "data:") {
			return src, nil
		}
		data, mimeType, err := DecodeDataURI(src)
		if err != nil {
			s.logger.Warn("inline image left in place", zap.Error(err))
			return src, nil
		}
		asset, err := s.assets.Put(ctx, data, mimeType, "pasted"+content.Extension(mimeType, ""))
		if err != nil {
			return "", err
		}
		return asset.URL(), nil
	})
}

// DecodeDataURI decodes an RFC 2397 data URI into its bytes and media type.
func DecodeDataURI(uri string) ([]byte, string, error) {
	if !strings.HasPrefix(uri, "data:") {
		return nil, "", fmt.Errorf("not a data uri")
	}
	header, payload, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", fmt.Errorf("data uri has no payload separator")
	}

	params := strings.Split(header, ";")
	mimeType := strings.TrimSpace(params[0])
	isBase64 := false
	for _, param := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(param), "base64") {
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		cleaned := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\r' || r == '\t' {
				return -1
			}
			return r
		}, payload)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
		}
		if err != nil {
			return nil, "", fmt.Errorf("decode data uri: %w", err)
		}
		data = decoded
	} else {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("decode data uri: %w", err)
		}
		data = []byte(decoded)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("data uri is empty")
	}
	return data, mimeType, nil
}
