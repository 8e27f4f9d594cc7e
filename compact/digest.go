package compact

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// compactTypestring is the EIP-712 type of a witness-free compact. With a
// witness, the sponsor-supplied witness typestring completes the type (it
// carries the closing parenthesis) and a bytes32 witness hash is appended
// to the encoded tuple.
const (
	compactTypestring        = "Compact(address arbiter,address sponsor,uint256 nonce,uint256 expires,uint256 id,uint256 amount)"
	compactWitnessTypePrefix = "Compact(address arbiter,address sponsor,uint256 nonce,uint256 expires,uint256 id,uint256 amount,"
)

// VerifyingContract is the fixed address of The Compact contract, identical
// on every supported chain.
var VerifyingContract = common.HexToAddress("0x00000000000018DF021Ff2467dF97ff846E09f48")

var (
	eip712DomainTypehash = crypto.Keccak256Hash([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	domainNameHash       = crypto.Keccak256Hash([]byte("The Compact"))
	domainVersionHash    = crypto.Keccak256Hash([]byte("0"))
)

var (
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)
	uint256Ty, _ = abi.NewType("uint256", "", nil)

	claimArgs = abi.Arguments{
		{Type: bytes32Ty}, // typehash
		{Type: addressTy}, // arbiter
		{Type: addressTy}, // sponsor
		{Type: uint256Ty}, // nonce
		{Type: uint256Ty}, // expires
		{Type: uint256Ty}, // id
		{Type: uint256Ty}, // amount
	}
	claimArgsWitness = append(append(abi.Arguments{}, claimArgs...), abi.Argument{Type: bytes32Ty})

	domainArgs = abi.Arguments{
		{Type: bytes32Ty}, // typehash
		{Type: bytes32Ty}, // name hash
		{Type: bytes32Ty}, // version hash
		{Type: uint256Ty}, // chain id
		{Type: addressTy}, // verifying contract
	}
)

// ClaimHash derives the EIP-712 struct hash of a validated compact. It is a
// pure function of the compact's fields: identical inputs always produce
// the identical hash.
func ClaimHash(vc *ValidatedCompact) (common.Hash, error) {
	typestring := compactTypestring
	if vc.WitnessHash != nil {
		typestring = compactWitnessTypePrefix + vc.WitnessTypeString
	}
	typehash := crypto.Keccak256Hash([]byte(typestring))

	values := []interface{}{
		[32]byte(typehash),
		vc.Arbiter,
		vc.Sponsor,
		vc.Nonce,
		vc.Expires,
		vc.ID,
		vc.Amount,
	}

	args := claimArgs
	if vc.WitnessHash != nil {
		args = claimArgsWitness
		values = append(values, [32]byte(*vc.WitnessHash))
	}

	packed, err := args.Pack(values...)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// DomainSeparator derives the EIP-712 domain hash for The Compact on the
// given chain.
func DomainSeparator(chainID uint64) (common.Hash, error) {
	packed, err := domainArgs.Pack(
		[32]byte(eip712DomainTypehash),
		[32]byte(domainNameHash),
		[32]byte(domainVersionHash),
		new(big.Int).SetUint64(chainID),
		VerifyingContract,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(packed), nil
}

// SigningDigest combines the domain separator and claim hash into the final
// digest both the sponsor and the allocator sign.
func SigningDigest(domainHash, claimHash common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainHash[:], claimHash[:])
}

// Digest derives the full signing digest of a validated compact on a chain.
func Digest(chainID uint64, vc *ValidatedCompact) (claimHash common.Hash, digest common.Hash, err error) {
	claimHash, err = ClaimHash(vc)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	domainHash, err := DomainSeparator(chainID)
	if err != nil {
		return common.Hash{}, common.Hash{}, err
	}
	return claimHash, SigningDigest(domainHash, claimHash), nil
}
