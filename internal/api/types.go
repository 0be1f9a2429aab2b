package api

import "github.com/shopspring/decimal"

// PriceResponse from GET /prices/{symbol}
type PriceResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Change24h decimal.Decimal `json:"change_24h"`
	Volume24h decimal.Decimal `json:"volume_24h"`
	UpdatedAt string          `json:"updated_at"` // ISO 8601
}
