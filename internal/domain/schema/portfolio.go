package schema

import "github.com/shopspring/decimal"

// Trade contributes quantity to a position.
type Trade struct {
	ID       UniqueID
	Quantity decimal.Decimal
}

// Position is a holding of one security in a portfolio node.
type Position struct {
	ID          UniqueID
	SecurityKey string
	Quantity    decimal.Decimal
	Trades      []Trade
}

// PortfolioNode is one level of the portfolio tree.
type PortfolioNode struct {
	ID        UniqueID
	Name      string
	Children  []*PortfolioNode
	Positions []Position
}

// Portfolio is a versioned tree of nodes and positions.
type Portfolio struct {
	ID   UniqueID
	Name string
	Root *PortfolioNode
}

// Walk visits every node of the tree depth first.
func (p *Portfolio) Walk(fn func(*PortfolioNode)) {
	if p == nil || p.Root == nil {
		return
	}
	var visit func(*PortfolioNode)
	visit = func(n *PortfolioNode) {
		fn(n)
		for _, child := range n.Children {
			visit(child)
		}
	}
	visit(p.Root)
}

// Targets lists every portfolio-derived target in the tree.
func (p *Portfolio) Targets() []TargetSpecification {
	if p == nil {
		return nil
	}
	out := []TargetSpecification{{Type: TargetPortfolio, UniqueID: p.ID}}
	p.Walk(func(n *PortfolioNode) {
		out = append(out, TargetSpecification{Type: TargetPortfolioNode, UniqueID: n.ID})
		for _, pos := range n.Positions {
			out = append(out, TargetSpecification{Type: TargetPosition, UniqueID: pos.ID})
			for _, trade := range pos.Trades {
				out = append(out, TargetSpecification{Type: TargetTrade, UniqueID: trade.ID})
			}
		}
	})
	return out
}

// EquivalenceMapping pairs nodes, positions and trades of previous with their
// counterparts in next. Two elements are equivalent when they share an object id
// and the same shape: same name or security, same quantity, and pairwise
// equivalent children. Elements without an equivalent are absent from the map.
func EquivalenceMapping(previous, next *Portfolio) map[UniqueID]UniqueID {
	mapping := make(map[UniqueID]UniqueID)
	if previous == nil || next == nil || previous.Root == nil || next.Root == nil {
		return mapping
	}
	if previous.ID.ObjectID() != next.ID.ObjectID() {
		return mapping
	}
	if matchNode(previous.Root, next.Root, mapping) {
		mapping[previous.ID] = next.ID
	}
	return mapping
}

func matchNode(prev, next *PortfolioNode, mapping map[UniqueID]UniqueID) bool {
	if prev.ID.ObjectID() != next.ID.ObjectID() || prev.Name != next.Name {
		return false
	}
	equivalent := len(prev.Children) == len(next.Children) && len(prev.Positions) == len(next.Positions)

	nextPositions := make(map[ObjectID]Position, len(next.Positions))
	for _, pos := range next.Positions {
		nextPositions[pos.ID.ObjectID()] = pos
	}
	for _, pos := range prev.Positions {
		candidate, ok := nextPositions[pos.ID.ObjectID()]
		if !ok || !matchPosition(pos, candidate, mapping) {
			equivalent = false
		}
	}

	nextChildren := make(map[ObjectID]*PortfolioNode, len(next.Children))
	for _, child := range next.Children {
		nextChildren[child.ID.ObjectID()] = child
	}
	for _, child := range prev.Children {
		candidate, ok := nextChildren[child.ID.ObjectID()]
		if !ok || !matchNode(child, candidate, mapping) {
			equivalent = false
		}
	}
	if equivalent {
		mapping[prev.ID] = next.ID
	}
	return equivalent
}

func matchPosition(prev, next Position, mapping map[UniqueID]UniqueID) bool {
	if prev.SecurityKey != next.SecurityKey || !prev.Quantity.Equal(next.Quantity) || len(prev.Trades) != len(next.Trades) {
		return false
	}
	trades := make(map[UniqueID]UniqueID, len(prev.Trades))
	for i, trade := range prev.Trades {
		candidate := next.Trades[i]
		if trade.ID.ObjectID() != candidate.ID.ObjectID() || !trade.Quantity.Equal(candidate.Quantity) {
			return false
		}
		trades[trade.ID] = candidate.ID
	}
	for from, to := range trades {
		mapping[from] = to
	}
	mapping[prev.ID] = next.ID
	return true
}
