// ABOUTME: Renders pairing codes as QR PNG data URLs for browser clients
// ABOUTME: The client drops the data URL straight into an <img src>

package pairing

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// ErrEmptyCode is returned when there is nothing to encode.
var ErrEmptyCode = errors.New("empty pairing code")

// ImageSize is the edge length of the rendered PNG in pixels.
const ImageSize = 256

const dataURLPrefix = "data:image/png;base64,"

// DataURL encodes code as a QR code PNG wrapped in a data URL.
func DataURL(code string) (string, error) {
	if code == "" {
		return "", ErrEmptyCode
	}
	png, err := qrcode.Encode(code, qrcode.Medium, ImageSize)
	if err != nil {
		return "", fmt.Errorf("encoding qr code: %w", err)
	}
	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}
