package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Method and event names of the USDs token used by the reader.
const (
	MethodBalanceOf                = "balanceOf"
	MethodTotalSupply              = "totalSupply"
	MethodCreditsPerToken          = "rebasingCreditsPerToken"
	MethodCreditsPerTokenHighres   = "rebasingCreditsPerTokenHighres"
	MethodNonRebasingSupply        = "nonRebasingSupply"
	MethodRebasingCredits          = "rebasingCredits"
	MethodCreditBalanceOf          = "creditBalanceOf"
	MethodIsNonRebasingAccount     = "isNonRebasingAccount"
	EventTotalSupplyUpdatedHighres = "TotalSupplyUpdatedHighres"
)

const usdsABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"rebasingCreditsPerToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"rebasingCreditsPerTokenHighres","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"nonRebasingSupply","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"rebasingCredits","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"creditBalanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"},{"name":"","type":"uint256"}]},
  {"type":"function","name":"isNonRebasingAccount","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"TotalSupplyUpdatedHighres","anonymous":false,"inputs":[
    {"name":"totalSupply","type":"uint256","indexed":false},
    {"name":"rebasingCredits","type":"uint256","indexed":false},
    {"name":"rebasingCreditsPerToken","type":"uint256","indexed":false}
  ]}
]`

// ContractABI is the parsed USDs ABI subset.
var ContractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(usdsABIJSON))
	if err != nil {
		panic("ledger: invalid USDs ABI: " + err.Error())
	}
	ContractABI = parsed
}
