// Command settldctl is a thin HTTP client over a running settld-api,
// dispatching on os.Args[1] the way cmd/nhb-cli dispatches its
// generate-key/balance/stake subcommands against a local node RPC. Two
// subcommands (bundle-verify, policy-hash) work entirely offline/locally
// instead of proxying a request; stream-tail holds the API's event-stream
// endpoint open and prints what arrives.
package main

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"settld/core/bundle"
	"settld/core/canon"
	"settld/core/crypto"
	"settld/core/governance"
)

const defaultBaseURL = "http://localhost:8080"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}

	baseURL := strings.TrimSpace(os.Getenv("SETTLDCTL_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	apiKey := os.Getenv("SETTLDCTL_API_KEY")

	client := &client{baseURL: baseURL, apiKey: apiKey, http: &http.Client{Timeout: 10 * time.Second}}

	switch os.Args[1] {
	case "session-create":
		if len(os.Args) < 3 {
			fmt.Println("Error: provide a visibility value (tenant|public)")
			printUsage()
			return
		}
		client.post("/sessions", map[string]any{"visibility": os.Args[2]})
	case "session-append":
		if len(os.Args) < 5 {
			fmt.Println("Error: provide <sessionId> <type> <actor>")
			printUsage()
			return
		}
		client.post("/sessions/"+os.Args[2]+"/events", map[string]any{
			"type": os.Args[3], "actor": os.Args[4], "payload": map[string]any{},
		})
	case "gate-create":
		if len(os.Args) < 6 {
			fmt.Println("Error: provide <gateId> <payerAgentId> <payeeAgentId> <amountCents>")
			printUsage()
			return
		}
		client.post("/x402/gate/create", map[string]any{
			"gateId": os.Args[2], "payerAgentId": os.Args[3], "payeeAgentId": os.Args[4], "amountCents": os.Args[5],
		})
	case "escalation-get":
		if len(os.Args) < 3 {
			fmt.Println("Error: provide <escalationId>")
			printUsage()
			return
		}
		client.get("/x402/gate/escalations/" + os.Args[2])
	case "stream-tail":
		if len(os.Args) < 3 {
			fmt.Println("Error: provide <sessionId>")
			printUsage()
			return
		}
		client.tailStream("/sessions/" + os.Args[2] + "/events/stream")
	case "bundle-verify":
		if len(os.Args) < 4 {
			fmt.Println("Error: provide <bundleDir> <signerPublicKeyBase64>")
			printUsage()
			return
		}
		summary, err := verifyBundleDir(os.Args[2], os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(summary)
	case "policy-hash":
		if len(os.Args) < 3 {
			fmt.Println("Error: provide <policy.yaml>")
			printUsage()
			return
		}
		summary, err := hashPolicyFile(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(summary)
	case "healthz":
		client.get("/healthz")
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println(`settldctl <command> [args]

Commands:
  session-create <visibility>
  session-append <sessionId> <type> <actor>
  gate-create <gateId> <payerAgentId> <payeeAgentId> <amountCents>
  escalation-get <escalationId>
  stream-tail <sessionId>
  bundle-verify <bundleDir> <signerPublicKeyBase64>
  policy-hash <policy.yaml>
  healthz

Environment:
  SETTLDCTL_BASE_URL  base URL of the running settld-api (default http://localhost:8080)
  SETTLDCTL_API_KEY   "<keyId>.<secret>" bearer credential`)
}

type client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func (c *client) get(path string) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	c.do(req)
}

func (c *client) post(path string, body map[string]any) {
	buf, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode body: %v\n", err)
		os.Exit(1)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Content-Type", "application/json")
	c.do(req)
}

func (c *client) do(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(body))
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

// tailStream connects to a text/event-stream endpoint and prints each
// "data:" line as it arrives, until the connection closes or the process
// is interrupted. Unlike get/post this issues its own request with no
// client-side timeout, since an SSE connection is meant to stay open.
func (c *client) tailStream(path string) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(os.Stderr, "stream rejected: %d %s\n", resp.StatusCode, body)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			fmt.Println(data)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "stream read failed: %v\n", err)
		os.Exit(1)
	}
}

// verifyBundleDir offline-verifies a bundle directory previously written
// to disk: every manifested file's SHA-256 still matches manifest.json,
// the manifest's own hash is reproducible, and the bundle head
// attestation's signature verifies against signerPubKeyB64. Returns a
// human-readable summary on success.
func verifyBundleDir(dir, signerPubKeyB64 string) (string, error) {
	pubRaw, err := base64.StdEncoding.DecodeString(signerPubKeyB64)
	if err != nil {
		return "", fmt.Errorf("decode signer public key: %w", err)
	}
	pub := ed25519.PublicKey(pubRaw)

	manifestRaw, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return "", fmt.Errorf("read manifest.json: %w", err)
	}
	var manifest bundle.Manifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return "", fmt.Errorf("decode manifest.json: %w", err)
	}

	for _, entry := range manifest.Files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(entry.Name)))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", entry.Name, err)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			return "", fmt.Errorf("%s sha256 mismatch", entry.Name)
		}
	}

	recomputed := manifest
	recomputed.ManifestHash = ""
	hash, err := canon.Hash(recomputed)
	if err != nil {
		return "", fmt.Errorf("recompute manifest hash: %w", err)
	}
	if hash != manifest.ManifestHash {
		return "", fmt.Errorf("manifest hash mismatch (want %s, got %s)", manifest.ManifestHash, hash)
	}

	attestationRaw, err := os.ReadFile(filepath.Join(dir, "attestation", "bundle_head_attestation.json"))
	if err != nil {
		return "", fmt.Errorf("read attestation: %w", err)
	}
	var attestation bundle.BundleHeadAttestation
	if err := json.Unmarshal(attestationRaw, &attestation); err != nil {
		return "", fmt.Errorf("decode attestation: %w", err)
	}
	signed := attestation
	signed.AttestationHash = ""
	signed.Signature = ""
	signed.SignerKeyID = ""
	wantHash, err := canon.Hash(signed)
	if err != nil {
		return "", fmt.Errorf("recompute attestation hash: %w", err)
	}
	if wantHash != attestation.AttestationHash {
		return "", fmt.Errorf("attestation hash mismatch")
	}

	var verifier crypto.Ed25519Verifier
	if err := verifier.Verify(pub, []byte(attestation.AttestationHash), crypto.PurposeBundleHeadAttestation,
		map[string]string{"kind": attestation.Kind, "tenantId": attestation.TenantID}, attestation.Signature); err != nil {
		return "", fmt.Errorf("attestation signature invalid: %w", err)
	}

	return fmt.Sprintf("OK: %s manifest %d files, manifestHash %s verified against signer %s",
		attestation.Kind, len(manifest.Files), manifest.ManifestHash, attestation.SignerKeyID), nil
}

// hashPolicyFile loads an operator-authored governance policy YAML file and
// prints the canonical payload hash an admin signs to publish it, sparing
// operators from hand-computing canon.Hash over the JSON form themselves.
func hashPolicyFile(path string) (string, error) {
	policy, err := governance.LoadPolicyFile(path)
	if err != nil {
		return "", fmt.Errorf("load policy file: %w", err)
	}
	hash, err := canon.Hash(policy)
	if err != nil {
		return "", fmt.Errorf("hash policy: %w", err)
	}
	return fmt.Sprintf("schemaVersion %d, %d subjects, payloadHash %s", policy.SchemaVersion, len(policy.Subjects), hash), nil
}
