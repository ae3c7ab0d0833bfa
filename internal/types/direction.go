package types

// Direction is the side of a futures position.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Side is the order side sent to the gateway.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Offset tells the venue whether an order opens or closes a position.
type Offset string

const (
	OffsetOpen  Offset = "open"
	OffsetClose Offset = "close"
)

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// OpenSide is the order side that grows a position in direction d.
func (d Direction) OpenSide() Side {
	if d == DirectionLong {
		return SideBuy
	}
	return SideSell
}

// CloseSide is the order side that shrinks a position in direction d.
func (d Direction) CloseSide() Side {
	if d == DirectionLong {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Valid reports whether o is open or close.
func (o Offset) Valid() bool {
	return o == OffsetOpen || o == OffsetClose
}

// AffectedDirection returns the position direction touched by a fill.
// Buy-open and sell-close touch the long side, sell-open and buy-close
// touch the short side.
func AffectedDirection(side Side, offset Offset) Direction {
	if (side == SideBuy) == (offset == OffsetOpen) {
		return DirectionLong
	}
	return DirectionShort
}
