package inventory

import "time"

// Level is the stock of one SKU at one location.
// Invariant: 0 <= Reserved <= OnHand.
type Level struct {
	SKU        string    `json:"sku"`
	LocationID string    `json:"location_id"`
	Priority   int       `json:"priority"`
	OnHand     int       `json:"on_hand"`
	Reserved   int       `json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (l Level) Available() int { return l.OnHand - l.Reserved }

type HoldStatus string

const (
	HoldReserved HoldStatus = "RESERVED"
	HoldReleased HoldStatus = "RELEASED"
)

// Hold records how much of a SKU a reservation reference (an order id) still
// holds at one location.
type Hold struct {
	Ref        string
	SKU        string
	LocationID string
	Qty        int
	Status     HoldStatus
}

// storable matches the stock_holds row constraints: a fully released hold
// is kept with a zero quantity, a live one never is.
func (h Hold) storable() bool {
	return h.Qty >= 0 && (h.Qty > 0 || h.Status == HoldReleased)
}

// Snapshot is the locked state handed to a mutation: every level of one SKU,
// ordered by priority then location id, plus the holds of one reference.
type Snapshot struct {
	SKU    string
	Ref    string
	Levels []Level
	Holds  []Hold
}

func (s *Snapshot) Available() int {
	n := 0
	for _, l := range s.Levels {
		n += l.Available()
	}
	return n
}

// Held is the quantity the snapshot's reference currently holds.
func (s *Snapshot) Held() int {
	n := 0
	for _, h := range s.Holds {
		if h.Status == HoldReserved {
			n += h.Qty
		}
	}
	return n
}

func (s *Snapshot) findHold(locationID string) *Hold {
	for i := range s.Holds {
		if s.Holds[i].LocationID == locationID {
			return &s.Holds[i]
		}
	}
	return nil
}

// hold finds or starts the reference's hold at a location.
func (s *Snapshot) hold(locationID string) *Hold {
	if h := s.findHold(locationID); h != nil {
		return h
	}
	s.Holds = append(s.Holds, Hold{Ref: s.Ref, SKU: s.SKU, LocationID: locationID, Status: HoldReleased})
	return &s.Holds[len(s.Holds)-1]
}

func (s *Snapshot) level(locationID string) *Level {
	for i := range s.Levels {
		if s.Levels[i].LocationID == locationID {
			return &s.Levels[i]
		}
	}
	return nil
}
