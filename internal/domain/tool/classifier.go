package tool

import (
	"strings"
)

// destructivePatterns indicate operations that delete data or execute
// arbitrary effects. Tools matching these default to required approval.
var destructivePatterns = []string{
	"delete", "remove", "drop", "destroy", "execute", "exec",
	"shell", "command", "admin", "sudo", "root", "truncate",
}

// writePatterns indicate mutations or outbound side effects. These also
// default to required approval.
var writePatterns = []string{
	"write", "create", "update", "modify", "send", "post",
	"upload", "deploy", "install", "connect", "put",
}

// ClassifyApproval picks the default approval mode for a tool whose source
// manifest does not state one. Matching is case-insensitive over the full
// dotted path.
//
// Limitations:
//   - Simple substring matching ("undelete" also matches "delete").
//   - Workspace policy rules can override either direction, so a wrong
//     default is correctable without a rebuild.
func ClassifyApproval(path string) ApprovalMode {
	name := strings.ToLower(path)

	for _, pattern := range destructivePatterns {
		if strings.Contains(name, pattern) {
			return ApprovalRequired
		}
	}
	for _, pattern := range writePatterns {
		if strings.Contains(name, pattern) {
			return ApprovalRequired
		}
	}
	return ApprovalAuto
}

// ApplyApprovalDefaults fills in the approval mode on any descriptor that
// omitted one. The input slice is modified in place and returned.
func ApplyApprovalDefaults(descriptors []*Descriptor) []*Descriptor {
	for _, d := range descriptors {
		if d.Approval == "" {
			d.Approval = ClassifyApproval(d.Path)
		}
	}
	return descriptors
}
