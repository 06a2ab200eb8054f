package kiteticker

import (
	"encoding/json"
	"fmt"
)

// Mode is the server-side verbosity setting for a subscription.
type Mode string

const (
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
	ModeFull  Mode = "full"
)

// ── Client → server requests ──

type request struct {
	A string `json:"a"`
	V any    `json:"v,omitempty"`
}

func subscribeMessage(tokens []uint32) ([]byte, error) {
	return json.Marshal(request{A: "subscribe", V: tokens})
}

func modeMessage(mode Mode, tokens []uint32) ([]byte, error) {
	return json.Marshal(request{A: "mode", V: []any{string(mode), tokens}})
}

func pingMessage() []byte {
	b, _ := json.Marshal(request{A: "ping"})
	return b
}

// ── Server → client postbacks ──

// MessageKind discriminates incoming text messages. Modeled as a closed
// enum so dispatch sites can switch exhaustively instead of branching on
// raw strings.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindOrder
	KindError
	KindMessage
	KindInstrumentsMeta
	KindAppCode
)

func (k MessageKind) String() string {
	switch k {
	case KindOrder:
		return "order"
	case KindError:
		return "error"
	case KindMessage:
		return "message"
	case KindInstrumentsMeta:
		return "instruments_meta"
	case KindAppCode:
		return "app_code"
	default:
		return "unknown"
	}
}

// OrderUpdate is the payload of an order postback. Only the fields the
// feed engine reports on are decoded.
type OrderUpdate struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	Tradingsymbol   string  `json:"tradingsymbol"`
	TransactionType string  `json:"transaction_type"`
	Quantity        int64   `json:"quantity"`
	FilledQuantity  int64   `json:"filled_quantity"`
	AveragePrice    float64 `json:"average_price"`
	StatusMessage   string  `json:"status_message"`
}

// InstrumentsMeta announces the current instrument dump metadata.
type InstrumentsMeta struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}

// IncomingMessage is the decoded form of a server text message. Exactly
// the payload matching Kind is populated.
type IncomingMessage struct {
	Kind      MessageKind
	Timestamp string

	Order *OrderUpdate     // KindOrder
	Error string           // KindError
	Text  string           // KindMessage
	Meta  *InstrumentsMeta // KindInstrumentsMeta
	Raw   json.RawMessage  // KindAppCode and KindUnknown keep the raw data
}

type incomingEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// ParseIncoming decodes one server text message into its tagged form.
func ParseIncoming(b []byte) (IncomingMessage, error) {
	var env incomingEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return IncomingMessage{}, fmt.Errorf("decode postback envelope: %w", err)
	}

	msg := IncomingMessage{Timestamp: env.Timestamp}
	switch env.Type {
	case "order":
		var ou OrderUpdate
		if err := json.Unmarshal(env.Data, &ou); err != nil {
			return msg, fmt.Errorf("decode order update: %w", err)
		}
		msg.Kind = KindOrder
		msg.Order = &ou
	case "error":
		var s string
		if err := json.Unmarshal(env.Data, &s); err != nil {
			// Some server errors arrive as objects; keep them printable.
			s = string(env.Data)
		}
		msg.Kind = KindError
		msg.Error = s
	case "message":
		var s string
		if err := json.Unmarshal(env.Data, &s); err != nil {
			s = string(env.Data)
		}
		msg.Kind = KindMessage
		msg.Text = s
	case "instruments_meta":
		var im InstrumentsMeta
		if err := json.Unmarshal(env.Data, &im); err != nil {
			return msg, fmt.Errorf("decode instruments_meta: %w", err)
		}
		msg.Kind = KindInstrumentsMeta
		msg.Meta = &im
	case "app_code":
		msg.Kind = KindAppCode
		msg.Raw = env.Data
	default:
		msg.Kind = KindUnknown
		msg.Raw = env.Data
	}
	return msg, nil
}
