package ledger

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

//go:embed abis/*.json
var embeddedABIs embed.FS

const (
	contractToken      = "token"
	contractRegistry   = "registry"
	contractGrid       = "grid_service"
	contractGovernance = "governance"
)

var interfaceFiles = map[string]string{
	contractToken:      "powergrid_token.json",
	contractRegistry:   "resource_registry.json",
	contractGrid:       "grid_service.json",
	contractGovernance: "governance.json",
}

// messages the oracle cannot run without
var requiredMessages = map[string][]string{
	contractToken:      {"balance_of"},
	contractRegistry:   {"is_device_registered", "register_device", "get_device_reputation"},
	contractGrid:       {"get_active_events", "get_event", "participate_in_event"},
	contractGovernance: {"get_proposal_count"},
}

type boundContract struct {
	name    string
	address common.Address
	abi     abi.ABI
}

type contractSet struct {
	token      *boundContract
	registry   *boundContract
	grid       *boundContract
	governance *boundContract
}

// interfaceFS returns the directory holding the interface files, falling back
// to the embedded copies.
func interfaceFS(dir string) (fs.FS, error) {
	if dir == "" {
		sub, err := fs.Sub(embeddedABIs, "abis")
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("interface dir: %w", err)
	}
	return os.DirFS(dir), nil
}

func loadContract(fsys fs.FS, name string, address common.Address) (*boundContract, error) {
	if address == (common.Address{}) {
		return nil, &LoadError{Contract: name, Err: errors.New("no address configured")}
	}

	data, err := fs.ReadFile(fsys, interfaceFiles[name])
	if err != nil {
		return nil, &LoadError{Contract: name, Err: err}
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return nil, &LoadError{Contract: name, Err: fmt.Errorf("parse %s: %w", interfaceFiles[name], err)}
	}

	for _, msg := range requiredMessages[name] {
		if _, ok := parsed.Methods[msg]; !ok {
			return nil, &LoadError{Contract: name, Err: fmt.Errorf("interface has no message %q", msg)}
		}
	}

	return &boundContract{name: name, address: address, abi: parsed}, nil
}

func bindContracts(fsys fs.FS, addrs ContractAddresses) (*contractSet, error) {
	set := &contractSet{}
	var err error

	if set.token, err = loadContract(fsys, contractToken, addrs.Token); err != nil {
		return nil, err
	}
	if set.registry, err = loadContract(fsys, contractRegistry, addrs.Registry); err != nil {
		return nil, err
	}
	if set.grid, err = loadContract(fsys, contractGrid, addrs.GridService); err != nil {
		return nil, err
	}
	if addrs.Governance != nil {
		if set.governance, err = loadContract(fsys, contractGovernance, *addrs.Governance); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// checkArgs verifies a message exists and every declared input is supplied.
func (b *boundContract) checkArgs(message string, args map[string]any) error {
	method, ok := b.abi.Methods[message]
	if !ok {
		return fmt.Errorf("%s contract has no message %q", b.name, message)
	}

	var missing []string
	for _, in := range method.Inputs {
		if _, ok := args[in.Name]; !ok {
			missing = append(missing, in.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%s.%s: missing arguments %v", b.name, message, missing)
	}
	return nil
}

// payable reports whether the message accepts a value transfer.
func (b *boundContract) payable(message string) bool {
	method, ok := b.abi.Methods[message]
	return ok && method.IsPayable()
}
