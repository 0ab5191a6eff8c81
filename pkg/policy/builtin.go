package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	PolicyNoDestructiveOperations = "no-destructive-operations"
	PolicyDangerousShell          = "dangerous-shell-constructs"
	PolicyCLIScope                = "cli-command-scope"
	PolicyPrivilegeEscalation     = "privilege-escalation"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		noDestructiveOperationsPolicy(),
		dangerousShellPolicy(),
		cliScopePolicy(),
		privilegeEscalationPolicy(),
	}
}

// noDestructiveOperationsPolicy denies tasks and commands that delete, remove
// or otherwise destroy anything.
func noDestructiveOperationsPolicy() Policy {
	return Policy{
		Name:        PolicyNoDestructiveOperations,
		Description: "Denies tasks and commands that delete, remove, destroy, purge, drop, wipe or truncate",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "destructive"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opsflow.policies.destructive

import rego.v1

destructive_pattern := "\\b(delete|remove|destroy|purge|drop|wipe|erase|truncate|rm\\s+-[a-z]*[rf][a-z]*|mkfs|shred)\\b"

# Planned tasks are checked on description and prompt
deny contains violation if {
	input.task
	text := lower(concat(" ", [input.task.description, input.task.prompt]))
	matches := regex.find_n(destructive_pattern, text, 1)
	count(matches) > 0
	violation := {
		"message": sprintf("destructive operation not allowed: %s", [matches[0]]),
		"severity": "error",
	}
}

# Generated commands are checked before they run
deny contains violation if {
	input.command
	text := lower(input.command.text)
	matches := regex.find_n(destructive_pattern, text, 1)
	count(matches) > 0
	violation := {
		"message": sprintf("destructive operation not allowed: %s", [matches[0]]),
		"severity": "error",
	}
}`,
	}
}

// dangerousShellPolicy denies shell constructs that can damage the host.
func dangerousShellPolicy() Policy {
	return Policy{
		Name:        PolicyDangerousShell,
		Description: "Denies raw device writes, fork bombs, recursive world-writable chmod and piping downloads into a shell",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "shell"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opsflow.policies.shell

import rego.v1

dangerous := {
	"\\bdd\\s+[^|;]*of=/dev/": "raw device writes are not allowed",
	">\\s*/dev/(sd|nvme|xvd|hd)[a-z0-9]*": "redirecting output onto a block device is not allowed",
	":\\(\\)\\s*\\{": "fork bombs are not allowed",
	"\\bchmod\\s+(-[a-z]*r[a-z]*\\s+)?777\\s+/(\\s|$)": "making the filesystem root world-writable is not allowed",
	"\\b(curl|wget)\\b[^|]*\\|\\s*(sudo\\s+)?(ba|z)?sh\\b": "piping a download into a shell is not allowed",
}

deny contains violation if {
	input.command
	text := lower(input.command.text)
	some pattern, message in dangerous
	regex.match(pattern, text)
	violation := {
		"message": message,
		"severity": "critical",
	}
}`,
	}
}

// cliScopePolicy warns when a cli task produces something other than an az invocation.
func cliScopePolicy() Policy {
	return Policy{
		Name:        PolicyCLIScope,
		Description: "Warns when a cli task generates a command that does not invoke the Azure CLI",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"cli", "conventions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opsflow.policies.cli

import rego.v1

deny contains violation if {
	input.command
	input.command.task_type == "cli"
	not startswith(trim_space(input.command.text), "az ")
	violation := {
		"message": sprintf("cli command does not invoke az: %s", [input.command.text]),
		"severity": "warning",
	}
}`,
	}
}

// privilegeEscalationPolicy warns on commands that run as root.
func privilegeEscalationPolicy() Policy {
	return Policy{
		Name:        PolicyPrivilegeEscalation,
		Description: "Warns when a generated command escalates privileges",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"safety", "privileges"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package opsflow.policies.privileges

import rego.v1

deny contains violation if {
	input.command
	regex.match("(^|[;&|]\\s*)(sudo|su|doas)\\s", input.command.text)
	violation := {
		"message": "command escalates privileges",
		"severity": "warning",
	}
}`,
	}
}
