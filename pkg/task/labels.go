package task

import "github.com/agent8hq/agent8ctr/pkg/types"

// labelGraph is the allowed issue-label transition graph from spec.md
// §4.H's Remote Issue Polling section.
var labelGraph = map[types.IssueLabel][]types.IssueLabel{
	types.LabelTODO:          {types.LabelWIP, types.LabelReject},
	types.LabelWIP:           {types.LabelConfirmNeeded, types.LabelReject},
	types.LabelConfirmNeeded: {types.LabelDone, types.LabelTODO, types.LabelReject},
	types.LabelDone:          {},
	types.LabelReject:        {types.LabelTODO},
}

// validTransition reports whether moving from `from` to `to` is allowed.
// Equal labels are always a no-op, not a transition.
func validTransition(from, to types.IssueLabel) bool {
	if from == to {
		return true
	}
	for _, allowed := range labelGraph[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// currentLabel extracts the single lifecycle label (TODO/WIP/CONFIRM
// NEEDED/DONE/REJECT) from a GitLab label set, ignoring unrelated labels.
func currentLabel(labels []string) (types.IssueLabel, bool) {
	known := map[string]types.IssueLabel{
		string(types.LabelTODO):          types.LabelTODO,
		string(types.LabelWIP):           types.LabelWIP,
		string(types.LabelConfirmNeeded): types.LabelConfirmNeeded,
		string(types.LabelDone):          types.LabelDone,
		string(types.LabelReject):        types.LabelReject,
	}
	for _, l := range labels {
		if lbl, ok := known[l]; ok {
			return lbl, true
		}
	}
	return "", false
}
