package commands

import (
	"encoding/hex"
	"errors"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/node"
	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/params"
	"rubin.dev/rpcnode/rpc/registry"
)

const getBlockUsage = `getblock "blockhash" ( verbosity )

If verbosity is 0, returns the serialized block as hex.
If verbosity is 1, returns an object with the block header fields and the
serialized block.

Arguments:
1. "blockhash"     (string, required) The block hash
2. verbosity       (numeric or boolean, optional, default=1) 0 for hex, 1 for an object
`

const getBlockHeaderUsage = `getblockheader "blockhash" ( verbose )

If verbose is false, returns the serialized header as hex.
If verbose is true, returns an object with the header fields.

Arguments:
1. "blockhash"     (string, required) The block hash
2. verbose         (boolean, optional, default=true) true for an object, false for hex
`

func blockchainCommands(d Deps) []registry.CommandSpec {
	return []registry.CommandSpec{
		{
			Name: "getblockcount", Category: "blockchain", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getblockcount\n\nReturns the height of the most-work fully-validated chain.\n\nResult:\nn    (numeric) The current block count\n\nExamples:\n"+
				rpc.HelpExampleCli("getblockcount", "")+rpc.HelpExampleRPC("getblockcount", "")), 0, 0,
				onChain(d.Backends, func(chain *node.BlockStore, _ rpc.Args) (any, error) {
					height, _, ok, err := chain.Tip()
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
					}
					if !ok {
						return int64(-1), nil
					}
					return int64(height), nil // #nosec G115 -- chain heights are far below 2^63.
				})),
		},
		{
			Name: "getbestblockhash", Category: "blockchain", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getbestblockhash\n\nReturns the hash of the best (tip) block in the canonical chain.\n\nExamples:\n"+
				rpc.HelpExampleCli("getbestblockhash", "")+rpc.HelpExampleRPC("getbestblockhash", "")), 0, 0,
				onChain(d.Backends, func(chain *node.BlockStore, _ rpc.Args) (any, error) {
					_, hash, ok, err := chain.Tip()
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
					}
					if !ok {
						return nil, rpc.NewError(rpc.ErrMisc, "Chain has no blocks")
					}
					return hex.EncodeToString(hash[:]), nil
				})),
		},
		{
			Name: "getblockhash", Category: "blockchain", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text("getblockhash height\n\nReturns hash of block in the canonical chain at height.\n\nArguments:\n1. height         (numeric, required) The height index\n\nExamples:\n"+
				rpc.HelpExampleCli("getblockhash", "1000")+rpc.HelpExampleRPC("getblockhash", "1000")), 1, 1,
				onChain(d.Backends, func(chain *node.BlockStore, args rpc.Args) (any, error) {
					if err := params.CheckPositional(args, []params.Type{params.Number}, false); err != nil {
						return nil, err
					}
					height, err := params.ArgInt64(args, 0, 0)
					if err != nil {
						return nil, err
					}
					if height < 0 {
						return nil, rpc.NewError(rpc.ErrInvalidParameter, "Block height out of range")
					}
					hash, ok, err := chain.CanonicalHash(uint64(height)) // #nosec G115 -- height >= 0.
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
					}
					if !ok {
						return nil, rpc.NewError(rpc.ErrInvalidParameter, "Block height out of range")
					}
					return hex.EncodeToString(hash[:]), nil
				})),
		},
		{
			Name: "getblock", Category: "blockchain", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text(getBlockUsage+"\nExamples:\n"+rpc.HelpExampleCli("getblock", `"<hash>"`)+rpc.HelpExampleRPC("getblock", `"<hash>"`)), 1, 2,
				onChain(d.Backends, func(chain *node.BlockStore, args rpc.Args) (any, error) {
					hash, err := params.ParseHashV(args[0], "blockhash")
					if err != nil {
						return nil, err
					}
					verbosity := int64(1)
					switch v := args.Arg(1).(type) {
					case nil:
					case bool:
						if !v {
							verbosity = 0
						}
					default:
						if verbosity, err = params.ArgInt64(args, 1, 1); err != nil {
							return nil, err
						}
					}
					block, err := chain.GetBlockByHash(hash)
					if err != nil {
						return nil, chainError(err)
					}
					if verbosity <= 0 {
						return hex.EncodeToString(block), nil
					}
					header, err := chain.GetHeaderByHash(hash)
					if err != nil {
						return nil, chainError(err)
					}
					desc, err := node.DescribeHeader(chain, hash, header)
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDeserialization, err.Error())
					}
					return node.BlockJSON{HeaderJSON: desc, Size: len(block), Hex: hex.EncodeToString(block)}, nil
				})),
		},
		{
			Name: "getblockheader", Category: "blockchain", OKSafeMode: true, ThreadSafe: true,
			Handler: handler(text(getBlockHeaderUsage+"\nExamples:\n"+rpc.HelpExampleCli("getblockheader", `"<hash>"`)+rpc.HelpExampleRPC("getblockheader", `"<hash>"`)), 1, 2,
				onChain(d.Backends, func(chain *node.BlockStore, args rpc.Args) (any, error) {
					if err := params.CheckPositional(args, []params.Type{params.String, params.Bool}, true); err != nil {
						return nil, err
					}
					hash, err := params.ParseHashV(args[0], "blockhash")
					if err != nil {
						return nil, err
					}
					verbose, err := params.ArgBool(args, 1, true)
					if err != nil {
						return nil, err
					}
					header, err := chain.GetHeaderByHash(hash)
					if err != nil {
						return nil, chainError(err)
					}
					if !verbose {
						return hex.EncodeToString(header), nil
					}
					desc, err := node.DescribeHeader(chain, hash, header)
					if err != nil {
						return nil, rpc.NewError(rpc.ErrDeserialization, err.Error())
					}
					return desc, nil
				})),
		},
	}
}

const submitBlockUsage = `submitblock "hexdata" | {"hex":"hexdata","prevblockhash":"hash"}

Appends a serialized block (header followed by body) on top of the canonical
tip without validating it. The object form also checks that the block builds
on prevblockhash.

Arguments:
1. hexdata or object   (string or object, required) The hex-encoded block

Result:
null when the block was appended, otherwise "duplicate" for a block already
on the chain or "inconclusive" for one that does not extend the tip.
`

func submitBlockCommand(d Deps) registry.CommandSpec {
	return registry.CommandSpec{
		Name: "submitblock", Category: "mining",
		Handler: handler(text(submitBlockUsage+"\nExamples:\n"+rpc.HelpExampleCli("submitblock", `"mydata"`)+rpc.HelpExampleRPC("submitblock", `"mydata"`)), 1, 1,
			onChain(d.Backends, func(chain *node.BlockStore, args rpc.Args) (any, error) {
				var (
					raw       []byte
					parent    [32]byte
					checkPrev bool
					err       error
				)
				switch v := args[0].(type) {
				case string:
					if raw, err = params.ParseHexV(v, "hexdata"); err != nil {
						return nil, err
					}
				case map[string]any:
					if err := params.CheckKeys(v, map[string]params.Type{"hex": params.String, "prevblockhash": params.String}, false); err != nil {
						return nil, err
					}
					if raw, err = params.ParseHexO(v, "hex"); err != nil {
						return nil, err
					}
					if _, ok := v["prevblockhash"]; ok {
						if parent, err = params.ParseHashO(v, "prevblockhash"); err != nil {
							return nil, err
						}
						checkPrev = true
					}
				default:
					return nil, rpc.Errorf(rpc.ErrType, "Expected type string or object, got %s", params.TypeOf(v))
				}
				if len(raw) < node.HeaderSize {
					return nil, rpc.NewError(rpc.ErrDeserialization, "Block decode failed")
				}
				headerBytes := raw[:node.HeaderSize]
				header, err := node.ParseHeader(headerBytes)
				if err != nil {
					return nil, rpc.NewError(rpc.ErrDeserialization, "Block decode failed")
				}
				if checkPrev && header.PrevHash != parent {
					return nil, rpc.NewError(rpc.ErrInvalidParameter, "prevblockhash does not match the block header")
				}
				hash, err := node.BlockHash(headerBytes)
				if err != nil {
					return nil, rpc.NewError(rpc.ErrDeserialization, err.Error())
				}
				if _, ok := chain.HeightOf(hash); ok {
					return "duplicate", nil
				}
				tipHeight, tip, ok, err := chain.Tip()
				if err != nil {
					return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
				}
				var height uint64
				switch {
				case !ok && header.PrevHash == [32]byte{}:
				case ok && header.PrevHash == tip:
					height = tipHeight + 1
				default:
					return "inconclusive", nil
				}
				if err := chain.PutBlock(height, hash, headerBytes, raw); err != nil {
					return nil, rpc.NewError(rpc.ErrDatabase, err.Error())
				}
				d.Log.Info("block submitted", zap.Uint64("height", height), zap.String("hash", hex.EncodeToString(hash[:])))
				return nil, nil
			})),
	}
}

func chainError(err error) *rpc.Error {
	if errors.Is(err, node.ErrBlockNotFound) {
		return rpc.NewError(rpc.ErrInvalidAddressOrKey, "Block not found")
	}
	return rpc.NewError(rpc.ErrDatabase, err.Error())
}
