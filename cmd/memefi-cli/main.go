package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"

	"memefi/cmd/internal/passphrase"
	"memefi/crypto"
)

const (
	keyFileName = "wallet.keystore"
	keyPassEnv  = "MEMEFI_KEY_PASS"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv("MEMEFI_RPC_TOKEN")
	keyPass      = passphrase.NewSource(keyPassEnv)
)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
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
	switch command {
	case "generate-key":
		generateKey()
	case "mint", "like", "unlike", "comment", "get", "list", "list-owner",
		"count", "likes", "comments", "stats":
		code := runMemeCommand(args, os.Stdout, os.Stderr)
		if code != 0 {
			os.Exit(code)
		}
		return
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

func generateKey() {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		panic(err)
	}

	pass, err := keyPass.Get()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := crypto.SaveToKeystore(keyFileName, key, pass); err != nil {
		panic(fmt.Sprintf("Failed to save key to %s: %v", keyFileName, err))
	}

	fmt.Printf("Generated new key and saved to %s\n", keyFileName)
	fmt.Printf("Your public address is: %s\n", key.PubKey().Address().String())
	fmt.Println("Store this file securely. Minting and engagement commands refuse to run without it.")
}

func loadPrivateKey(path string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("key file %s not found. run ./memefi-cli generate-key first", path)
		}
		return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
	}
	pass, err := keyPass.Get()
	if err != nil {
		return nil, err
	}
	privKey, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("failed to unlock key file %s: %w", path, err)
	}
	return privKey, nil
}

func resolveCallerAddress(keyFile string) (string, error) {
	privKey, err := loadPrivateKey(keyFile)
	if err != nil {
		return "", err
	}
	return privKey.PubKey().Address().String(), nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		if rpcAuthToken == "" {
			return nil, fmt.Errorf("privileged RPC call requires MEMEFI_RPC_TOKEN to be set")
		}
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(rpcAuthToken))
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}

func printUsage() {
	fmt.Println("Usage: memefi-cli <command> [flags]")
	fmt.Println()
	fmt.Println("Mutating commands sign in with the local keystore. Run ./memefi-cli generate-key first;")
	fmt.Println("the passphrase is read from " + keyPassEnv + " or prompted on the terminal.")
	fmt.Println("Commands:")
	fmt.Println("  generate-key                       - Generates a new key and saves to " + keyFileName)
	fmt.Println("  mint --id <id> --media <url>       - Mints a new meme owned by your key")
	fmt.Println("  like --id <id>                     - Likes a meme")
	fmt.Println("  unlike --id <id>                   - Removes your like from a meme")
	fmt.Println("  comment --id <id> --text <text>    - Comments on a meme")
	fmt.Println("  get --id <id>                      - Fetches a single meme")
	fmt.Println("  list [--from N] [--limit N]        - Lists memes in mint order")
	fmt.Println("  list-owner --owner <address>       - Lists memes owned by an address")
	fmt.Println("  count                              - Prints the total number of memes")
	fmt.Println("  likes --id <id>                    - Prints the like count for a meme")
	fmt.Println("  comments --id <id>                 - Prints the comments on a meme")
	fmt.Println("  stats --addr <address>             - Prints aggregate stats for a user")
	fmt.Println()
	fmt.Println("Global flags:")
	fmt.Println("  --rpc <url>                        - JSON-RPC endpoint (default " + defaultRPCEndpoint() + ", env RPC_URL)")
}
