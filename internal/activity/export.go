package activity

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/bitvelo/tradesync/pkg/models"
)

// tradeHistoryHeader is the fixed export column order.
var tradeHistoryHeader = []string{"ID", "Type", "Action", "Symbol", "Amount", "Price", "Profit", "Loss", "Status", "Date"}

// WriteTradeHistory serializes trade records as CSV in the fixed column
// order [ID, Type, Action, Symbol, Amount, Price, Profit, Loss, Status,
// Date].
func WriteTradeHistory(w io.Writer, trades []models.TradeRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(tradeHistoryHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, tr := range trades {
		profit, loss := "", ""
		if tr.Result != nil {
			if tr.Result.Profit != nil {
				profit = tr.Result.Profit.String()
			}
			if tr.Result.Loss != nil {
				loss = tr.Result.Loss.String()
			}
		}
		row := []string{
			tr.ID.String(),
			string(tr.Kind),
			string(tr.Action),
			tr.Symbol,
			tr.Amount.String(),
			tr.Price.String(),
			profit,
			loss,
			string(tr.State),
			tr.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write trade %s: %w", tr.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}
