package services

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"

	"github.com/chipbank/backend/internal/models"
)

const qrTTL = 5 * time.Minute

// QRService issues single-use payment codes. A player renders a code naming
// themselves as payee; whoever scans it opens a chip request against their
// own balance. Codes live in redis and expire after five minutes.
type QRService struct {
	redis *redis.Client
}

func NewQRService(rdb *redis.Client) *QRService {
	return &QRService{redis: rdb}
}

// GeneratePaymentQR builds a payment code for the given payee and returns
// the opaque code plus a base64 PNG rendering of it.
func (s *QRService) GeneratePaymentQR(ctx context.Context, accountID string, amount decimal.Decimal) (*models.QRGenerateResponse, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment codes need redis")
	}
	if amount.Sign() <= 0 {
		return nil, validationErrorf("amount must be positive")
	}

	payload := models.PaymentCode{
		ToAccountID: accountID,
		Amount:      amount,
		Nonce:       generateNonce(),
		IssuedAt:    time.Now().Unix(),
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)
	if err := s.redis.Set(ctx, "qr:"+code, jsonData, qrTTL).Err(); err != nil {
		return nil, fmt.Errorf("store payment code: %w", err)
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return nil, err
	}

	return &models.QRGenerateResponse{
		Code:    code,
		PNG:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		Expires: time.Now().Add(qrTTL).Unix(),
	}, nil
}

// ResolvePaymentQR consumes a scanned code and returns its payload. Codes
// resolve exactly once; a second scan reads as expired.
func (s *QRService) ResolvePaymentQR(ctx context.Context, code string) (*models.PaymentCode, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment codes need redis")
	}

	data, err := s.redis.Get(ctx, "qr:"+code).Bytes()
	if err == redis.Nil {
		return nil, validationErrorf("payment code is invalid or expired")
	}
	if err != nil {
		return nil, fmt.Errorf("load payment code: %w", err)
	}

	var payload models.PaymentCode
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, validationErrorf("payment code is malformed")
	}

	s.redis.Del(ctx, "qr:"+code)
	return &payload, nil
}

func generateNonce() string {
	b := make([]byte, 16)
	cryptorand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
