// Package policy guards task plans and generated commands with Open Policy
// Agent (OPA) Rego policies.
//
// An Engine compiles each policy's deny set once and evaluates it against a
// PolicyInput carrying either a planned task (input.task) or a generated
// command (input.command). Violations with severity error or critical block;
// warnings are logged and reported but never block. Engine implements
// engine.PolicyChecker, so it plugs straight into the planner and runner.
//
// # Built-in Policies
//
//   - no-destructive-operations: denies delete, remove, destroy, purge, drop,
//     wipe, erase, truncate, shred, mkfs and rm -rf in tasks and commands
//   - dangerous-shell-constructs: denies raw device writes, fork bombs,
//     chmod 777 on / and downloads piped into a shell
//   - cli-command-scope: warns when a cli task produces something other than az
//   - privilege-escalation: warns on sudo, su and doas
//
// # Custom Policies
//
// Custom policies live in .rego, .json or .yaml files. A .rego file takes its
// name from the file name and its description from the leading comment block:
//
//	# Deny anything that touches production resource groups.
//	# severity: error
//	# tags: environments
//	package opsflow.custom.prod
//
//	import rego.v1
//
//	deny contains violation if {
//		input.command
//		contains(input.command.text, "rg-prod")
//		violation := {"message": "production is off limits", "severity": "error"}
//	}
//
// JSON and YAML files hold a single policy or a bundle with a policies list.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
//	// reload on change until ctx is cancelled
//	if err := eng.WatchPolicies(ctx, []string{"./policies"}); err != nil {
//	    return err
//	}
package policy
