package schema

// TargetType classifies what a computation is performed on.
type TargetType string

const (
	// TargetPortfolio is a whole portfolio.
	TargetPortfolio TargetType = "PORTFOLIO"
	// TargetPortfolioNode is an aggregation node inside a portfolio tree.
	TargetPortfolioNode TargetType = "PORTFOLIO_NODE"
	// TargetPosition is a position held in a portfolio node.
	TargetPosition TargetType = "POSITION"
	// TargetTrade is a trade contributing to a position.
	TargetTrade TargetType = "TRADE"
	// TargetSecurity is a security referenced by positions.
	TargetSecurity TargetType = "SECURITY"
	// TargetPrimitive is a free-standing identifier such as a market data ticker.
	TargetPrimitive TargetType = "PRIMITIVE"
)

// IsPortfolioDerived reports whether targets of this type come from a portfolio structure.
func (t TargetType) IsPortfolioDerived() bool {
	switch t {
	case TargetPortfolio, TargetPortfolioNode, TargetPosition, TargetTrade:
		return true
	default:
		return false
	}
}

// TargetReference names a target that still has to be resolved at some version-correction.
type TargetReference struct {
	Type     TargetType
	ObjectID ObjectID
}

func (r TargetReference) String() string {
	return string(r.Type) + "/" + r.ObjectID.String()
}

// TargetSpecification is a resolved target.
type TargetSpecification struct {
	Type     TargetType
	UniqueID UniqueID
}

func (s TargetSpecification) String() string {
	return string(s.Type) + "/" + s.UniqueID.String()
}

// Reference returns the unresolved form of the specification.
func (s TargetSpecification) Reference() TargetReference {
	return TargetReference{Type: s.Type, ObjectID: s.UniqueID.ObjectID()}
}
