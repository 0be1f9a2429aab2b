package api

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rickgao/streamkeeper/internal/model"
)

// FetchPrice fetches the latest quote for symbol.
func (c *Client) FetchPrice(ctx context.Context, symbol string) (model.PriceQuote, error) {
	var resp PriceResponse
	if err := c.getJSON(ctx, "/prices/"+url.PathEscape(symbol), nil, &resp); err != nil {
		return model.PriceQuote{}, fmt.Errorf("get price %s: %w", symbol, err)
	}
	if resp.Symbol == "" {
		resp.Symbol = symbol
	}
	return resp.ToQuote(), nil
}
