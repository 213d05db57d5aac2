package bidding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/atmx/auction-engine/internal/model"
)

// ChainHash is the hash of a bid ledger entry: sha256 over the previous
// hash and the entry's identifying fields, joined with "|". The previous
// hash is empty for the first entry of an auction.
func ChainHash(prevHash *string, e model.BidLedgerEntry) string {
	prev := ""
	if prevHash != nil {
		prev = *prevHash
	}
	payload := strings.Join([]string{
		prev,
		e.AuctionID,
		e.BidID,
		e.BidderID,
		e.Amount.String(),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyResult reports the integrity of one auction's bid chain.
type VerifyResult struct {
	AuctionID string `json:"auction_id"`
	Valid     bool   `json:"valid"`
	Length    int    `json:"length"`
	BrokenAt  *int64 `json:"broken_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// VerifyChain walks entries in order and checks sequence numbers,
// back-links and hashes.
func VerifyChain(auctionID string, entries []model.BidLedgerEntry) VerifyResult {
	res := VerifyResult{AuctionID: auctionID, Valid: true, Length: len(entries)}

	var prev *string
	for i, e := range entries {
		fail := func(reason string) VerifyResult {
			seq := e.Seq
			res.Valid = false
			res.BrokenAt = &seq
			res.Reason = reason
			return res
		}
		if e.Seq != int64(i+1) {
			return fail("sequence gap")
		}
		if !samePrev(prev, e.PrevHash) {
			return fail("prev_hash does not match predecessor")
		}
		if ChainHash(e.PrevHash, e) != e.Hash {
			return fail("hash mismatch")
		}
		h := e.Hash
		prev = &h
	}
	return res
}

func samePrev(want, got *string) bool {
	if want == nil || got == nil {
		return want == nil && got == nil
	}
	return *want == *got
}
