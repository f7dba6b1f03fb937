package config

const (
	NetworkMainnet = "mainnet"
	NetworkSepolia = "sepolia"
)

// Network describes the deployment of USDs on one Arbitrum network.
type Network struct {
	Name         string
	ChainID      uint64
	USDsAddress  string
	VaultAddress string
}

var networks = map[string]Network{
	NetworkMainnet: {
		Name:         "Arbitrum One",
		ChainID:      42161,
		USDsAddress:  "0xD74f5255D557944cf7Dd0E45FF521520002D5748",
		VaultAddress: "0x8EC1877698ACF262Fe8Ad8a295ad94D6ea258988",
	},
	NetworkSepolia: {
		Name:         "Arbitrum Sepolia",
		ChainID:      421614,
		USDsAddress:  "0xD74f5255D557944cf7Dd0E45FF521520002D5748",
		VaultAddress: "0x8EC1877698ACF262Fe8Ad8a295ad94D6ea258988",
	},
}

// NetworkInfo resolves the configured network, applying address overrides.
func (c ChainConfig) NetworkInfo() Network {
	n, ok := networks[c.Network]
	if !ok {
		n = networks[NetworkMainnet]
	}
	if c.USDsAddress != "" {
		n.USDsAddress = c.USDsAddress
	}
	if c.VaultAddress != "" {
		n.VaultAddress = c.VaultAddress
	}
	return n
}
