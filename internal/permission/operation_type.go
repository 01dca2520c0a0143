package permission

// readOnlyCommands never modify the filesystem.
var readOnlyCommands = map[string]bool{
	"ls": true, "cat": true, "grep": true, "find": true, "head": true,
	"tail": true, "pwd": true, "echo": true, "which": true, "file": true,
	"wc": true, "diff": true, "git": true, "ps": true, "env": true,
	"whoami": true, "date": true, "stat": true,
}

// writeOnlyCommands create or modify files but don't also read arbitrary
// user-supplied paths back out.
var writeOnlyCommands = map[string]bool{
	"touch": true, "mkdir": true, "echo": true,
}

// OperationSubType classifies a parsed bash command into the
// read-only/write-only/read-write sub-types that SPEC_FULL §4.3 maps to
// execute_command's risk levels. Dangerous commands (per DangerousCommands)
// are read-write since they both inspect and mutate filesystem state.
func OperationSubType(commands []BashCommand) string {
	sawReadOnly := false
	sawWrite := false

	for _, cmd := range commands {
		switch {
		case IsDangerousCommand(cmd.Name):
			sawWrite = true
		case readOnlyCommands[cmd.Name]:
			sawReadOnly = true
		default:
			// Unknown commands are treated conservatively as read-write.
			sawWrite = true
			sawReadOnly = true
		}
	}

	switch {
	case sawWrite && sawReadOnly:
		return "read-write"
	case sawWrite:
		return "write-only"
	case sawReadOnly:
		return "read-only"
	default:
		return "read-write"
	}
}
