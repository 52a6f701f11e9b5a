package paylink

import (
	"encoding/base64"
	"errors"

	"github.com/skip2/go-qrcode"
)

var ErrEmptyPayURL = errors.New("pay url is empty")

// QRPNG renders the hosted checkout link as a QR code PNG, for clients
// that display the pay link on a second screen or printed slip.
func QRPNG(payURL string, size int) ([]byte, error) {
	if payURL == "" {
		return nil, ErrEmptyPayURL
	}
	if size <= 0 {
		size = 256
	}
	return qrcode.Encode(payURL, qrcode.Medium, size)
}

// QRBase64 returns the QR PNG base64-encoded for embedding in JSON.
func QRBase64(payURL string) (string, error) {
	png, err := QRPNG(payURL, 256)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(png), nil
}
