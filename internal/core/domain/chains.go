package domain

type ChainID string
type ChainName string

const (
	// Chain IDs
	ChainIDBitcoin  ChainID = "bitcoin"
	ChainIDEthereum ChainID = "1"
	ChainIDPolygon  ChainID = "137"
	ChainIDTron     ChainID = "tron"
	ChainIDSui      ChainID = "784"

	// Chain Names (Internal Codes)
	ChainNameBitcoin  ChainName = "BITCOIN_MAINNET"
	ChainNameEthereum ChainName = "ETHEREUM_MAINNET"
	ChainNamePolygon  ChainName = "POLYGON_MAINNET"
	ChainNameTron     ChainName = "TRON_MAINNET"
	ChainNameSui      ChainName = "SUI_MAINNET"
)

// ChainIDToName maps ChainID to its human-readable InternalCode/Name.
var ChainIDToName = map[ChainID]ChainName{
	ChainIDBitcoin:  ChainNameBitcoin,
	ChainIDEthereum: ChainNameEthereum,
	ChainIDPolygon:  ChainNamePolygon,
	ChainIDTron:     ChainNameTron,
	ChainIDSui:      ChainNameSui,
}

// IsSupported reports whether funds can be moved on the chain.
func (c ChainID) IsSupported() bool {
	_, ok := ChainIDToName[c]
	return ok
}
