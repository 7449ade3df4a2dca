package dispatch

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"rubin.dev/rpcnode/rpc"
	"rubin.dev/rpcnode/rpc/params"
	"rubin.dev/rpcnode/rpc/registry"
)

const helpUsage = `help ( "command" )

List all commands, or get help for a specified command.

Arguments:
1. "command"     (string, optional) The command to get help on

Result:
"text"     (string) The help text
`

// HelpCommand builds the help command over reg. The listing is produced
// lazily, so commands registered after HelpCommand are included.
func HelpCommand(reg *registry.Registry, log *zap.Logger) registry.CommandSpec {
	if log == nil {
		log = zap.NewNop()
	}
	return registry.CommandSpec{
		Name:       "help",
		Category:   "control",
		OKSafeMode: true,
		ThreadSafe: true,
		Handler: func(ctx context.Context, args rpc.Args, help bool) (any, error) {
			if help || len(args) > 1 {
				return helpUsage, nil
			}
			if err := params.CheckPositional(args, []params.Type{params.String}, true); err != nil {
				return nil, err
			}
			name, _ := params.ArgString(args, 0, "")
			if name == "" {
				return Listing(ctx, reg, log), nil
			}
			spec, ok := reg.Lookup(name)
			if !ok {
				return nil, rpc.MethodNotFound(name)
			}
			return usageOf(ctx, spec, log)
		},
	}
}

// Listing renders every visible command grouped under its category, one line
// per command taken from the first line of its usage text.
func Listing(ctx context.Context, reg *registry.Registry, log *zap.Logger) string {
	var b strings.Builder
	category := ""
	for _, spec := range reg.List() {
		if spec.Hidden {
			continue
		}
		if spec.Category != category || b.Len() == 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			category = spec.Category
			b.WriteString("== ")
			b.WriteString(categoryTitle(category))
			b.WriteString(" ==\n")
		}
		usage, err := usageOf(ctx, spec, log)
		if err != nil || usage == "" {
			usage = spec.Name
		}
		first, _, _ := strings.Cut(usage, "\n")
		b.WriteString(strings.TrimRight(first, " "))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func categoryTitle(c string) string {
	if c == "" {
		return "Uncategorized"
	}
	return strings.ToUpper(c[:1]) + c[1:]
}
