package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/strfeed/internal/cache"
)

// ZapInfo is the parsed form of a kind-9735 zap receipt.
type ZapInfo struct {
	Amount        int64  // satoshis
	TargetEventID string
	TargetPubkey  string
	Sender        string
	Comment       string
}

// persistZapReceipt stores the receipt event itself. Zap totals shown in
// feeds come from server-computed aggregates, so the parsed amount is not
// accumulated locally; the parse still runs to surface malformed receipts
// in debug logs.
func (c *Classifier) persistZapReceipt(ctx context.Context, tx *cache.Tx, evt *nostr.Event) error {
	if err := tx.UpsertEvent(ctx, evt); err != nil {
		return err
	}
	info, err := ParseZapReceipt(evt)
	if err != nil {
		c.log.Debug("unparseable zap receipt", "event_id", evt.ID, "error", err)
		return nil
	}
	if info.TargetEventID != "" {
		c.log.Debug("zap receipt",
			"target", info.TargetEventID, "sats", info.Amount, "sender", info.Sender)
	}
	return nil
}

// ParseZapReceipt extracts the amount, target and sender from a kind-9735
// receipt. The bolt11 tag carries the invoice; the description tag carries
// the original zap request with the sender's pubkey and comment.
func ParseZapReceipt(evt *nostr.Event) (*ZapInfo, error) {
	if evt.Kind != 9735 {
		return nil, fmt.Errorf("expected kind 9735, got %d", evt.Kind)
	}

	info := &ZapInfo{}
	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		switch tag[0] {
		case "e":
			info.TargetEventID = tag[1]
		case "p":
			info.TargetPubkey = tag[1]
		case "description":
			var req struct {
				Pubkey  string `json:"pubkey"`
				Content string `json:"content"`
			}
			if err := json.Unmarshal([]byte(tag[1]), &req); err == nil {
				info.Sender = req.Pubkey
				info.Comment = req.Content
			}
		case "bolt11":
			if amount, err := parseInvoiceAmount(tag[1]); err == nil {
				info.Amount = amount
			}
		}
	}

	return info, nil
}

var invoiceAmountRe = regexp.MustCompile(`lnbc(\d+)([munp]?)`)

// parseInvoiceAmount extracts the amount in satoshis from a bolt11 invoice.
// Simplified: reads the human-readable amount prefix rather than decoding
// the full invoice.
func parseInvoiceAmount(invoice string) (int64, error) {
	matches := invoiceAmountRe.FindStringSubmatch(invoice)
	if len(matches) < 2 {
		return 0, fmt.Errorf("could not parse invoice amount")
	}

	amount, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, err
	}

	switch matches[2] {
	case "m": // millibitcoin = 100,000 sats
		amount = amount * 100000
	case "u": // microbitcoin = 100 sats
		amount = amount * 100
	case "n": // nanobitcoin = 0.1 sats
		amount = amount / 10
	case "p": // picobitcoin = 0.0001 sats
		amount = amount / 10000
	default: // bare amount is whole bitcoin
		amount = amount * 100000000
	}

	return amount, nil
}
