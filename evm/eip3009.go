package evm

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/becomeliminal/x402-agents"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var transferWithAuthorizationType = []apitypes.Type{
	{Name: "from", Type: "address"},
	{Name: "to", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "validAfter", Type: "uint256"},
	{Name: "validBefore", Type: "uint256"},
	{Name: "nonce", Type: "bytes32"},
}

// Domain is the EIP-712 domain of an EIP-3009 token.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DomainFor derives the signing domain from a requirement. The token name
// and version come from the requirement's extra field, falling back to the
// built-in asset table.
func DomainFor(req *x402.PaymentRequirements) (*Domain, error) {
	chainID, err := x402.ChainID(req.Network)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("invalid asset address %q", req.Asset)
	}

	name := req.ExtraString("name")
	version := req.ExtraString("version")
	if name == "" || version == "" {
		info, ok := x402.NewAssetTable().Lookup(req.Network, req.Asset)
		if !ok {
			return nil, fmt.Errorf("EIP-712 domain for asset %s on %s is unknown", req.Asset, req.Network)
		}
		if name == "" {
			name = info.Name
		}
		if version == "" {
			version = info.Version
		}
	}

	return &Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(req.Asset),
	}, nil
}

// TypedData builds the TransferWithAuthorization typed data for auth.
func TypedData(domain *Domain, auth *x402.Authorization) (*apitypes.TypedData, error) {
	if !common.IsHexAddress(auth.From) || !common.IsHexAddress(auth.To) {
		return nil, fmt.Errorf("authorization addresses must be hex addresses")
	}
	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid authorization value: %s", auth.Value)
	}
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validAfter: %s", auth.ValidAfter)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return nil, fmt.Errorf("invalid validBefore: %s", auth.ValidBefore)
	}
	nonce, err := hexutil.Decode(auth.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("invalid nonce: %s", auth.Nonce)
	}

	return &apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":              eip712DomainType,
			"TransferWithAuthorization": transferWithAuthorizationType,
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       hexutil.Encode(nonce),
		},
	}, nil
}

// Digest returns keccak256(0x19 0x01 || domainSeparator || structHash).
func Digest(domain *Domain, auth *x402.Authorization) ([]byte, error) {
	typedData, err := TypedData(domain, auth)
	if err != nil {
		return nil, err
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, messageHash...)
	return crypto.Keccak256(rawData), nil
}

// SignAuthorization signs auth and returns a 65-byte 0x-hex signature with
// v in {27, 28}.
func SignAuthorization(key *ecdsa.PrivateKey, domain *Domain, auth *x402.Authorization) (string, error) {
	digest, err := Digest(domain, auth)
	if err != nil {
		return "", err
	}
	signature, err := crypto.Sign(digest, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization: %w", err)
	}
	signature[64] += 27
	return "0x" + hex.EncodeToString(signature), nil
}

// RecoverSigner returns the address that produced signature over auth.
func RecoverSigner(domain *Domain, auth *x402.Authorization, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	// Copy before normalising v so the caller's bytes are untouched.
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("invalid signature recovery id %d", sig[64])
	}

	digest, err := Digest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// NewNonce returns a random 0x-prefixed bytes32 nonce.
func NewNonce() (string, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hexutil.Encode(nonce[:]), nil
}

// ParsePrivateKey parses a hex private key with or without 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
