package engine

import (
	"context"
	"strings"
	"testing"
)

func TestRuleResolver_VMInResourceGroup(t *testing.T) {
	r := NewRuleResolver(testLogger)

	fields, err := r.Resolve(context.Background(), "Create a VM in my resource group", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if got := keysOf(fields); got != "resource_group,vm_name,location" {
		t.Errorf("Expected resource_group,vm_name,location, got %s", got)
	}
	for _, f := range fields {
		if f.Description == "" {
			t.Errorf("Expected description for %s", f.Key)
		}
	}
}

func TestRuleResolver_Deferral(t *testing.T) {
	tests := []struct {
		name    string
		goal    string
		absent  []string
		present []string
	}{
		{
			name:   "defer everything",
			goal:   "Create a VM in a new resource group, you decide",
			absent: []string{"resource_group", "vm_name", "location"},
		},
		{
			name:   "your choice",
			goal:   "Deploy a web app. Your choice.",
			absent: []string{"resource_group", "web_app_name", "location"},
		},
		{
			name:    "defer names only",
			goal:    "Create two VMs in eastus; you decide the names",
			absent:  []string{"vm_name_1", "vm_name_2"},
			present: []string{"resource_group"},
		},
		{
			name:    "defer location only",
			goal:    "Create a storage account in rg-data, up to you which region",
			absent:  []string{"location"},
			present: []string{"storage_account_name"},
		},
	}

	r := NewRuleResolver(testLogger)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := r.Resolve(context.Background(), tt.goal, nil)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			for _, k := range tt.absent {
				if fields.Has(k) {
					t.Errorf("Expected %s to be deferred, got fields %s", k, keysOf(fields))
				}
			}
			for _, k := range tt.present {
				if !fields.Has(k) {
					t.Errorf("Expected %s to be requested, got fields %s", k, keysOf(fields))
				}
			}
		})
	}
}

func TestRuleResolver_ReadOnlyGoals(t *testing.T) {
	goals := []string{
		"List all storage accounts in my subscription",
		"Find the VMs that are stopped",
		"Show me which key vaults exist",
		"How many public IPs do I have?",
		"List the VMs that run Ubuntu",
		"Show the storage accounts that allow public access",
		"Please find the VMs that start automatically",
	}

	r := NewRuleResolver(testLogger)
	for _, goal := range goals {
		fields, err := r.Resolve(context.Background(), goal, nil)
		if err != nil {
			t.Fatalf("Expected no error for %q, got: %v", goal, err)
		}
		if len(fields) != 0 {
			t.Errorf("Expected no missing fields for %q, got %s", goal, keysOf(fields))
		}
	}
}

func TestRuleResolver_MutatingClauseAfterListing(t *testing.T) {
	r := NewRuleResolver(testLogger)

	fields, err := r.Resolve(context.Background(), "List the VMs that run Ubuntu and then create a VM like them", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fields.Has("vm_name") || !fields.Has("resource_group") {
		t.Errorf("Expected the create action to need values, got %s", keysOf(fields))
	}
}

func TestRuleResolver_ResourceGroupName(t *testing.T) {
	tests := []struct {
		goal string
		want bool
	}{
		{goal: "Create a VM in my resource group please", want: true},
		{goal: "Create a VM in my resource group now", want: true},
		{goal: "Create a VM in the resource group today in eastus", want: true},
		{goal: "Create a VM in resource group named web in eastus", want: false},
		{goal: "Create a VM in resource group called web in eastus", want: false},
		{goal: "Create a VM in resource group 'web' in eastus", want: false},
		{goal: "Create a VM in resource group prod01 in eastus", want: false},
		{goal: "Create a VM in resource group web_prod in eastus", want: false},
		{goal: "Create a VM in rg-web in eastus", want: false},
	}

	r := NewRuleResolver(testLogger)
	for _, tt := range tests {
		fields, err := r.Resolve(context.Background(), tt.goal, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got := fields.Has("resource_group"); got != tt.want {
			t.Errorf("Resolve(%q) requests resource_group = %v, want %v (fields %s)", tt.goal, got, tt.want, keysOf(fields))
		}
	}
}

func TestRuleResolver_SQLDatabaseKey(t *testing.T) {
	r := NewRuleResolver(testLogger)

	fields, err := r.Resolve(context.Background(), "Create a SQL database in rg-data in eastus", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := keysOf(fields); got != "sql_database_name" {
		t.Errorf("Expected sql_database_name, got %s", got)
	}
}

func TestRuleResolver_DistinctKeysPerResource(t *testing.T) {
	tests := []struct {
		goal string
		want string
	}{
		{
			goal: "Create 3 VMs in resource group rg-prod in eastus",
			want: "vm_name_1,vm_name_2,vm_name_3",
		},
		{
			goal: "Create two linux VMs and one windows VM in rg-prod in westus2",
			want: "vm_name_linux_1,vm_name_linux_2,vm_name_windows",
		},
		{
			goal: "Create three VNets in rg-net in northeurope and peer them",
			want: "vnet_name_1,vnet_name_2,vnet_name_3",
		},
	}

	r := NewRuleResolver(testLogger)
	for _, tt := range tests {
		fields, err := r.Resolve(context.Background(), tt.goal, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if got := keysOf(fields); got != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.goal, got, tt.want)
		}
	}
}

func TestRuleResolver_NamedResourcesAreNotRequested(t *testing.T) {
	r := NewRuleResolver(testLogger)

	fields, err := r.Resolve(context.Background(),
		"Create two VMs named web1 and web2 in rg-prod in eastus", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("Expected no missing fields, got %s", keysOf(fields))
	}
}

func TestRuleResolver_Idempotent(t *testing.T) {
	r := NewRuleResolver(testLogger)
	goal := "Create 2 VMs and a storage account in my resource group"

	first, err := r.Resolve(context.Background(), goal, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(first) == 0 {
		t.Fatal("Expected missing fields on first pass")
	}

	filled := make(map[string]string)
	for _, f := range first {
		filled[f.Key] = "value-" + f.Key
	}

	second, err := r.Resolve(context.Background(), goal, filled)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("Expected fixed point after one pass, got %s", keysOf(second))
	}
}

func TestRuleResolver_SizingAndSubscription(t *testing.T) {
	r := NewRuleResolver(testLogger)

	fields, err := r.Resolve(context.Background(),
		"Create a VM in rg-prod in eastus and pick the right size", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fields.Has("vm_size") {
		t.Errorf("Expected vm_size to be requested, got %s", keysOf(fields))
	}

	fields, err = r.Resolve(context.Background(),
		"Create a VM of size Standard_B2s in rg-prod in eastus", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fields.Has("vm_size") {
		t.Errorf("Expected vm_size to be known, got %s", keysOf(fields))
	}

	fields, err = r.Resolve(context.Background(),
		"Deploy a web app to rg-web in westeurope in my subscription", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !fields.Has("subscription_id") {
		t.Errorf("Expected subscription_id to be requested, got %s", keysOf(fields))
	}
}

func TestAnalyzeIntent(t *testing.T) {
	intent := AnalyzeIntent("Create 2 VMs. You decide the rest")
	if !intent.DeferAll {
		t.Error("Expected DeferAll for a clause without an attribute")
	}

	intent = AnalyzeIntent("List all resource groups")
	if !intent.ReadOnly {
		t.Error("Expected read-only intent")
	}

	intent = AnalyzeIntent("Create a VNet and list its subnets")
	if intent.ReadOnly {
		t.Error("Expected mutating intent to win over listing")
	}
}

func TestLLMResolver_AppliesRules(t *testing.T) {
	client := newMockLLM(`{"resource_group": "Name of the resource group", "vm_name": "Name of the VM", "location": "Region"}`)
	r := NewLLMResolver(client, testLogger)

	fields, err := r.Resolve(context.Background(), "Create a VM in my resource group",
		map[string]string{"location": "eastus"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fields.Has("location") {
		t.Error("Expected filled key to be dropped")
	}
	if !fields.Has("resource_group") || !fields.Has("vm_name") {
		t.Errorf("Expected model keys to be kept, got %s", keysOf(fields))
	}
	if len(client.prompts) != 1 || !strings.Contains(client.prompts[0], "location: eastus") {
		t.Errorf("Expected filled values in prompt, got %v", client.prompts)
	}
}

func TestLLMResolver_DeferralOverridesModel(t *testing.T) {
	client := newMockLLM(`{"vm_name": "Name of the VM", "location": "Region"}`)
	r := NewLLMResolver(client, testLogger)

	fields, err := r.Resolve(context.Background(), "Create a VM in rg-prod, you decide the location", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if fields.Has("location") {
		t.Errorf("Expected deferred location to be dropped, got %s", keysOf(fields))
	}

	fields, err = r.Resolve(context.Background(), "Create a VM, you decide", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("Expected no fields when everything is deferred, got %s", keysOf(fields))
	}
}

func TestLLMResolver_FallsBackToRules(t *testing.T) {
	client := newMockLLM("I am not sure what you need")
	r := NewLLMResolver(client, testLogger)

	fields, err := r.Resolve(context.Background(), "Create a VM in my resource group", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := keysOf(fields); got != "resource_group,vm_name,location" {
		t.Errorf("Expected rule-based fields, got %s", got)
	}
}

func TestLLMResolver_SplitsCollapsedNames(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		goal  string
		want  string
	}{
		{
			name:  "single key for two VMs",
			reply: `{"vm_name": "Name of the VMs", "resource_group": "Resource group", "location": "Region"}`,
			goal:  "Create two VMs",
			want:  "location,resource_group,vm_name_1,vm_name_2",
		},
		{
			name:  "plural key",
			reply: `[{"key": "resource_group", "description": "Resource group"}, {"key": "vm_names", "description": "Names of the VMs"}]`,
			goal:  "Create 3 VMs in eastus",
			want:  "resource_group,vm_name_1,vm_name_2,vm_name_3",
		},
		{
			name:  "names omitted",
			reply: `{"location": "Region"}`,
			goal:  "Create two storage accounts in rg-data",
			want:  "location,storage_account_name_1,storage_account_name_2",
		},
		{
			name:  "numbered keys kept",
			reply: `[{"key": "vm_name_1", "description": "First VM"}, {"key": "vm_name_2", "description": "Second VM"}]`,
			goal:  "Create two VMs in rg-prod in eastus",
			want:  "vm_name_1,vm_name_2",
		},
		{
			name:  "single resource untouched",
			reply: `{"vm_name": "Name of the VM"}`,
			goal:  "Create a VM in rg-prod in eastus",
			want:  "vm_name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewLLMResolver(newMockLLM(tt.reply), testLogger)
			fields, err := r.Resolve(context.Background(), tt.goal, nil)
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if got := keysOf(fields); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLLMResolver_SplitNamesHonourFilledAndDeferred(t *testing.T) {
	reply := `{"vm_name": "Name of the VMs", "location": "Region"}`

	r := NewLLMResolver(newMockLLM(reply), testLogger)
	fields, err := r.Resolve(context.Background(), "Create two VMs in rg-prod",
		map[string]string{"vm_name_1": "web1"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := keysOf(fields); got != "location,vm_name_2" {
		t.Errorf("Expected location,vm_name_2, got %s", got)
	}

	r = NewLLMResolver(newMockLLM(reply), testLogger)
	fields, err = r.Resolve(context.Background(), "Create two VMs in rg-prod; you decide the names", nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got := keysOf(fields); got != "location" {
		t.Errorf("Expected only location, got %s", got)
	}
}
