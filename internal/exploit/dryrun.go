package exploit

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/bas-agent/internal/model"
)

const DryRunName = "dry-run"

// DryRun never touches the target. It reports which services an exploiter
// would work with.
type DryRun struct{}

func (DryRun) Exploit(ctx context.Context, host model.TargetHost, _ map[string]any, depth Depth, _ []string) (model.ExploiterResultData, error) {
	if err := ctx.Err(); err != nil {
		return model.ExploiterResultData{}, err
	}
	return model.ExploiterResultData{
		OS: host.OS,
		Info: map[string]string{
			"services":      strings.Join(slices.Sorted(maps.Keys(host.Services)), ","),
			"can_propagate": strconv.FormatBool(depth.CanPropagate()),
		},
		ErrorMessage: "dry run: exploitation not attempted",
	}, nil
}
