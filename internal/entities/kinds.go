package entities

// Standard Nostr event kinds this client ingests.
const (
	KindMetadata   = 0
	KindTextNote   = 1
	KindContacts   = 3
	KindDirectMsg  = 4
	KindRepost     = 6
	KindReaction   = 7
	KindZapReceipt = 9735
	KindMuteList   = 10000
)

// Server-computed kinds live in their own range, disjoint from standard
// kinds. They are authored by the caching server, not by users, and carry
// no verifiable signature.
const (
	AggregateKindBase = 10_000_100

	KindEventStats     = 10_000_100
	KindEventUserStats = 10_000_115
)

// IsAggregateKind reports whether kind belongs to the server-computed range.
func IsAggregateKind(kind int) bool {
	return kind >= AggregateKindBase
}
