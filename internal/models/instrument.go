package models

// ContractKind тип контракта OKX SWAP.
type ContractKind string

const (
	ContractUnknown     ContractKind = ""
	ContractLinearUSDT  ContractKind = "linear"
	ContractInverseCoin ContractKind = "inverse"
)

// Instrument метаданные инструмента: шаги цены и количества, минимумы.
type Instrument struct {
	InstID    string
	Kind      ContractKind
	SettleCcy string
	CtValCcy  string

	LastPx   float64
	TickSz   float64
	LotSz    float64
	MinSz    float64
	CtVal    float64 // ctVal * ctMult
	MaxMktSz float64

	// OKX не отдаёт minNotional, задаётся конфигом
	MinNotional float64
}
