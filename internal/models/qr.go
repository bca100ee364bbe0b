package models

import "github.com/shopspring/decimal"

// PaymentCode is the payload behind a payment QR code: who gets paid, how
// much, and a nonce that makes the code single-use.
type PaymentCode struct {
	ToAccountID string          `json:"to_account_id"`
	Amount      decimal.Decimal `json:"amount"`
	Nonce       string          `json:"nonce"`
	IssuedAt    int64           `json:"issued_at"`
}

type QRGenerateRequest struct {
	Amount string `json:"amount" validate:"required"`
}

type QRGenerateResponse struct {
	Code    string `json:"code"`
	PNG     string `json:"png"`
	Expires int64  `json:"expires"`
}

type QRScanRequest struct {
	Code string `json:"code" validate:"required"`
}
