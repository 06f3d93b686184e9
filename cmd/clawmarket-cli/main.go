package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"clawmarket/cmd/internal/passphrase"
	"clawmarket/crypto"
)

var rpcEndpoint = defaultRPCEndpoint()
var rpcAuthToken = os.Getenv("CLAW_RPC_TOKEN")

func main() {
	args := os.Args[1:]
	var err error
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	command := args[0]
	args = args[1:]
	switch command {
	case "generate-key":
		file := "wallet.keystore"
		if len(args) > 0 {
			file = args[0]
		}
		generateKey(file)
	case "address":
		if len(args) < 1 {
			fmt.Println("Error: Please provide a keystore file.")
			return
		}
		showAddress(args[0])
	case "init":
		requireArgs(args, 1, "init <authority-address>")
		call("market_initialize", map[string]string{"address": args[0]})
	case "mint":
		requireArgs(args, 2, "mint <address> <amount>")
		call("market_mint", map[string]string{"address": args[0], "amount": args[1]})
	case "create-need":
		requireArgs(args, 5, "create-need <creator> <title> <description> <category> <budget> [deadline]")
		params := map[string]interface{}{
			"creator":     args[0],
			"title":       args[1],
			"description": args[2],
			"category":    args[3],
			"budget":      args[4],
		}
		if len(args) > 5 {
			deadline := parseInt64(args[5], "deadline")
			params["deadline"] = deadline
		}
		call("market_createNeed", params)
	case "list-needs":
		params := map[string]string{}
		if len(args) > 0 {
			params["status"] = args[0]
		}
		call("market_listNeeds", params)
	case "get-need":
		requireArgs(args, 1, "get-need <id>")
		call("market_getNeed", map[string]uint64{"id": parseID(args[0])})
	case "cancel-need":
		requireArgs(args, 2, "cancel-need <id> <creator>")
		call("market_cancelNeed", map[string]interface{}{"needId": parseID(args[0]), "creator": args[1]})
	case "create-offer":
		requireArgs(args, 3, "create-offer <needId> <provider> <price> [message]")
		params := map[string]interface{}{
			"needId":   parseID(args[0]),
			"provider": args[1],
			"price":    args[2],
		}
		if len(args) > 3 {
			params["message"] = args[3]
		}
		call("market_createOffer", params)
	case "list-offers":
		params := map[string]interface{}{}
		if len(args) > 0 {
			params["needId"] = parseID(args[0])
		}
		call("market_listOffers", params)
	case "get-offer":
		requireArgs(args, 1, "get-offer <id>")
		call("market_getOffer", map[string]uint64{"id": parseID(args[0])})
	case "cancel-offer":
		requireArgs(args, 2, "cancel-offer <id> <provider>")
		call("market_cancelOffer", map[string]interface{}{"offerId": parseID(args[0]), "provider": args[1]})
	case "accept-offer":
		requireArgs(args, 3, "accept-offer <needId> <offerId> <client>")
		call("market_acceptOffer", map[string]interface{}{
			"needId":  parseID(args[0]),
			"offerId": parseID(args[1]),
			"client":  args[2],
		})
	case "get-deal":
		requireArgs(args, 1, "get-deal <id>")
		call("market_getDeal", map[string]uint64{"id": parseID(args[0])})
	case "list-deals":
		call("market_listDeals", map[string]string{})
	case "submit-delivery":
		requireArgs(args, 3, "submit-delivery <dealId> <provider> <hash> [content]")
		params := map[string]interface{}{
			"dealId":       parseID(args[0]),
			"provider":     args[1],
			"deliveryHash": args[2],
		}
		if len(args) > 3 {
			params["deliveryContent"] = args[3]
		}
		call("market_submitDelivery", params)
	case "confirm-delivery":
		requireArgs(args, 3, "confirm-delivery <dealId> <client> <provider>")
		call("market_confirmDelivery", map[string]interface{}{
			"dealId":   parseID(args[0]),
			"client":   args[1],
			"provider": args[2],
		})
	case "dispute":
		requireArgs(args, 3, "dispute <dealId> <caller> <reason>")
		call("market_raiseDispute", map[string]interface{}{
			"dealId": parseID(args[0]),
			"caller": args[1],
			"reason": args[2],
		})
	case "resolve":
		requireArgs(args, 3, "resolve <dealId> <caller> <refund_client|pay_provider>")
		call("market_resolveDispute", map[string]interface{}{
			"dealId":  parseID(args[0]),
			"caller":  args[1],
			"outcome": args[2],
		})
	case "create-barter":
		requireArgs(args, 3, "create-barter <initiator> <whatIOffer> <whatIWant> [target]")
		params := map[string]interface{}{
			"initiator":  args[0],
			"whatIOffer": args[1],
			"whatIWant":  args[2],
		}
		if len(args) > 3 {
			params["target"] = args[3]
		}
		call("market_createBarter", params)
	case "list-barters":
		params := map[string]string{}
		if len(args) > 0 {
			params["status"] = args[0]
		}
		call("market_listBarters", params)
	case "get-barter":
		requireArgs(args, 1, "get-barter <id>")
		call("market_getBarter", map[string]uint64{"id": parseID(args[0])})
	case "accept-barter":
		requireArgs(args, 2, "accept-barter <id> <caller>")
		call("market_acceptBarter", map[string]interface{}{"barterId": parseID(args[0]), "caller": args[1]})
	case "cancel-barter":
		requireArgs(args, 2, "cancel-barter <id> <caller>")
		call("market_cancelBarter", map[string]interface{}{"barterId": parseID(args[0]), "caller": args[1]})
	case "barter-delivery":
		requireArgs(args, 3, "barter-delivery <id> <caller> <hash> [content]")
		params := map[string]interface{}{
			"barterId": parseID(args[0]),
			"caller":   args[1],
			"hash":     args[2],
		}
		if len(args) > 3 {
			params["content"] = args[3]
		}
		call("market_submitBarterDelivery", params)
	case "confirm-barter":
		requireArgs(args, 2, "confirm-barter <id> <caller>")
		call("market_confirmBarterSide", map[string]interface{}{"barterId": parseID(args[0]), "caller": args[1]})
	case "dispute-barter":
		requireArgs(args, 3, "dispute-barter <id> <caller> <reason>")
		call("market_disputeBarter", map[string]interface{}{
			"barterId": parseID(args[0]),
			"caller":   args[1],
			"reason":   args[2],
		})
	case "ledger":
		call("market_getLedger", map[string]string{})
	case "balance":
		requireArgs(args, 1, "balance <address>")
		call("market_getBalance", map[string]string{"address": args[0]})
	case "escrow-balance":
		requireArgs(args, 1, "escrow-balance <dealId>")
		call("market_getEscrowBalance", map[string]uint64{"dealId": parseID(args[0])})
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func generateKey(file string) {
	if _, err := os.Stat(file); err == nil {
		fmt.Printf("Error: %s already exists, refusing to overwrite.\n", file)
		os.Exit(1)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		fmt.Printf("Error generating key: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(file, key, keystorePassphrase()); err != nil {
		fmt.Printf("Error saving keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("New key saved to %s\n", file)
	fmt.Printf("Address: %s\n", key.PubKey().Address().String())
}

// keystorePassphrase resolves the keystore passphrase from CLAW_KEYSTORE_PASS
// or an interactive prompt, falling back to an empty passphrase for
// unencrypted dev keystores.
func keystorePassphrase() string {
	pass, err := passphrase.NewSource("CLAW_KEYSTORE_PASS").Get()
	if err != nil {
		return ""
	}
	return pass
}

func showAddress(file string) {
	key, err := crypto.LoadFromKeystore(file, keystorePassphrase())
	if err != nil {
		fmt.Printf("Error loading keystore: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(key.PubKey().Address().String())
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	} `json:"error"`
}

func call(method string, params interface{}) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  []interface{}{params},
		ID:      1,
	})
	if err != nil {
		fmt.Printf("Error encoding request: %v\n", err)
		os.Exit(1)
	}
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewReader(payload))
	if err != nil {
		fmt.Printf("Error building request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	if rpcAuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+rpcAuthToken)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error contacting node at %s: %v\n", rpcEndpoint, err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Printf("Error reading response: %v\n", err)
		os.Exit(1)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		fmt.Printf("Error: unexpected response (%d): %s\n", resp.StatusCode, string(body))
		os.Exit(1)
	}
	if parsed.Error != nil {
		fmt.Printf("Error %d: %s", parsed.Error.Code, parsed.Error.Message)
		if len(parsed.Error.Data) > 0 {
			fmt.Printf(" (%s)", strings.Trim(string(parsed.Error.Data), `"`))
		}
		fmt.Println()
		os.Exit(1)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, parsed.Result, "", "  "); err != nil {
		fmt.Println(string(parsed.Result))
		return
	}
	fmt.Println(pretty.String())
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Printf("Usage: %s\n", usage)
		os.Exit(1)
	}
}

func parseID(raw string) uint64 {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		fmt.Printf("Error: invalid id %q\n", raw)
		os.Exit(1)
	}
	return id
}

func parseInt64(raw, name string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fmt.Printf("Error: invalid %s %q\n", name, raw)
		os.Exit(1)
	}
	return v
}

func printUsage() {
	fmt.Println(`Usage: clawmarket-cli [--rpc <url>] <command> [args]

Keys:
  generate-key [file]                 Generate a new keystore (default wallet.keystore)
  address <keyfile>                   Print the address for a keystore

Ledger:
  init <authority-address>            Initialize the marketplace ledger
  mint <address> <amount>             Credit balance to an address
  ledger                              Show ledger counters
  balance <address>                   Show an address balance
  escrow-balance <dealId>             Show escrowed funds for a deal

Needs and offers:
  create-need <creator> <title> <description> <category> <budget> [deadline]
  list-needs [status]
  get-need <id>
  cancel-need <id> <creator>
  create-offer <needId> <provider> <price> [message]
  list-offers [needId]
  get-offer <id>
  cancel-offer <id> <provider>
  accept-offer <needId> <offerId> <client>

Deals:
  get-deal <id>
  list-deals
  submit-delivery <dealId> <provider> <hash> [content]
  confirm-delivery <dealId> <client> <provider>
  dispute <dealId> <caller> <reason>
  resolve <dealId> <caller> <refund_client|pay_provider>

Barters:
  create-barter <initiator> <whatIOffer> <whatIWant> [target]
  list-barters [status]
  get-barter <id>
  accept-barter <id> <caller>
  cancel-barter <id> <caller>
  barter-delivery <id> <caller> <hash> [content]
  confirm-barter <id> <caller>
  dispute-barter <id> <caller> <reason>

Environment:
  RPC_URL             Node RPC endpoint (default http://localhost:8080)
  CLAW_RPC_TOKEN      Bearer token for mutating methods
  CLAW_KEYSTORE_PASS  Keystore passphrase`)
}
