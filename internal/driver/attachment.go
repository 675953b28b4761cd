// internal/driver/attachment.go
package driver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedDataURL is returned when an image payload is not a base64 data URL.
var ErrMalformedDataURL = errors.New("driver: malformed data URL")

// Attachment is a decoded binary file ready to be pasted.
type Attachment struct {
	Name string
	MIME string
	Data []byte
}

// DecodeDataURL turns a "data:<mime>[;base64],<data>" string into an attachment.
func DecodeDataURL(name, dataURL string) (Attachment, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return Attachment{}, fmt.Errorf("%w: missing data: scheme", ErrMalformedDataURL)
	}
	meta, body, ok := strings.Cut(rest, ",")
	if !ok {
		return Attachment{}, fmt.Errorf("%w: missing comma", ErrMalformedDataURL)
	}

	isBase64 := false
	mime := "text/plain"
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i == 0 && part != "":
			mime = part
		case part == "base64":
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %v", ErrMalformedDataURL, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(body)
		if err != nil {
			return Attachment{}, fmt.Errorf("%w: %v", ErrMalformedDataURL, err)
		}
		data = []byte(unescaped)
	}

	return Attachment{Name: name, MIME: mime, Data: data}, nil
}

// EncodeDataURL is the inverse of DecodeDataURL for base64 payloads.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
