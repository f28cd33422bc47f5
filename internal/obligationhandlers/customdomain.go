package obligationhandlers

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/novaproto/orchestrator/internal/domain"
	"github.com/novaproto/orchestrator/internal/obligation"
)

// maxCustomDomainVerifyAttempts bounds retries before giving up (§9
// "transitions the domain's status... do not invent verification semantics
// beyond [a CNAME match]").
const maxCustomDomainVerifyAttempts = 10

// handleCustomDomainVerify performs a DNS CNAME lookup for a VM's custom
// domain and records Verified/Failed. No ownership or TLS provisioning
// semantics are implemented — verification stops at the CNAME match (§4.4
// Non-goals).
func (d Deps) handleCustomDomainVerify(ctx context.Context, o *domain.Obligation) obligation.Result {
	vm, err := d.VMs.GetVM(ctx, o.ResourceID)
	if err != nil {
		return obligation.Fail("vm not found: " + err.Error())
	}
	if vm.IngressConfig.CustomDomain == "" {
		return obligation.Completed("no custom domain configured")
	}
	if vm.IngressConfig.CustomDomainVerified {
		return obligation.Completed("already verified")
	}

	expected := vm.IngressConfig.Subdomain + "." + d.IngressDomainSuffix
	cname, lookupErr := net.LookupCNAME(vm.IngressConfig.CustomDomain)
	matched := lookupErr == nil && strings.EqualFold(strings.TrimSuffix(cname, "."), strings.TrimSuffix(expected, "."))

	if matched {
		if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
			vm.IngressConfig.CustomDomainVerified = true
			return nil
		}); err != nil {
			return obligation.Retry("record verification: " + err.Error())
		}
		return obligation.Completed("custom domain verified")
	}

	attempts := vm.IngressConfig.VerificationAttempts + 1
	if _, err := d.VMs.UpdateVM(ctx, vm.ID, func(vm *domain.VirtualMachine) error {
		vm.IngressConfig.VerificationAttempts = attempts
		t := time.Now()
		vm.IngressConfig.LastVerificationAt = &t
		return nil
	}); err != nil {
		return obligation.Retry("record attempt: " + err.Error())
	}

	if attempts >= maxCustomDomainVerifyAttempts {
		return obligation.Fail("cname verification did not match after max attempts")
	}
	return obligation.Retry("cname does not yet match expected target")
}
