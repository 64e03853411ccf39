package rbac

import (
	"sort"

	"github.com/temple-erp/temple-erp/internal/shared"
)

// Capability is an atomic action an actor may perform.
type Capability string

// Purchasing capabilities.
const (
	CapPRCreate  Capability = "pr.create"
	CapPRSubmit  Capability = "pr.submit"
	CapPRConvert Capability = "pr.convert"

	CapPOView    Capability = "po.view"
	CapPOCreate  Capability = "po.create"
	CapPOSubmit  Capability = "po.submit"
	CapPOApprove Capability = "po.approve"
	CapPOCancel  Capability = "po.cancel"
	CapPODelete  Capability = "po.delete"

	CapGRNCreate   Capability = "grn.create"
	CapGRNComplete Capability = "grn.complete"
)

// Payables capabilities.
const (
	CapInvoiceView    Capability = "invoice.view"
	CapInvoiceCreate  Capability = "invoice.create"
	CapInvoiceMigrate Capability = "invoice.migrate"

	CapPaymentRecord  Capability = "payment.record"
	CapPaymentApprove Capability = "payment.approve"

	CapSupplierManage Capability = "supplier.manage"
)

// Sales and delivery capabilities.
const (
	CapSalesOrderManage Capability = "sales.order.manage"

	CapDeliveryView     Capability = "delivery.view"
	CapDeliveryCreate   Capability = "delivery.create"
	CapDeliveryQC       Capability = "delivery.quality_check"
	CapDeliveryComplete Capability = "delivery.complete"
	CapDeliveryCancel   Capability = "delivery.cancel"
	CapDeliveryDelete   Capability = "delivery.delete"

	CapStockView   Capability = "stock.view"
	CapStockAdjust Capability = "stock.adjust"
)

// Known roles.
const (
	RoleSuperAdmin      shared.Role = "SUPER_ADMIN"
	RoleAdmin           shared.Role = "ADMIN"
	RolePurchaseManager shared.Role = "PURCHASE_MANAGER"
	RoleAccountant      shared.Role = "ACCOUNTANT"
	RoleStorekeeper     shared.Role = "STOREKEEPER"
	RoleSales           shared.Role = "SALES"
	RoleViewer          shared.Role = "VIEWER"
)

// CapabilitySet is an immutable set of capabilities.
type CapabilitySet map[Capability]struct{}

func newSet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has reports whether the set contains c.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// List returns the capabilities sorted by name.
func (s CapabilitySet) List() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func allCapabilities() []Capability {
	return []Capability{
		CapPRCreate, CapPRSubmit, CapPRConvert,
		CapPOView, CapPOCreate, CapPOSubmit, CapPOApprove, CapPOCancel, CapPODelete,
		CapGRNCreate, CapGRNComplete,
		CapInvoiceView, CapInvoiceCreate, CapInvoiceMigrate,
		CapPaymentRecord, CapPaymentApprove, CapSupplierManage,
		CapSalesOrderManage,
		CapDeliveryView, CapDeliveryCreate, CapDeliveryQC, CapDeliveryComplete, CapDeliveryCancel, CapDeliveryDelete,
		CapStockView, CapStockAdjust,
	}
}

var roleCapabilities = map[shared.Role][]Capability{
	RolePurchaseManager: {
		CapPRCreate, CapPRSubmit, CapPRConvert,
		CapPOView, CapPOCreate, CapPOSubmit, CapPOApprove, CapPOCancel, CapPODelete,
		CapGRNCreate, CapGRNComplete, CapInvoiceView, CapSupplierManage, CapStockView,
	},
	RoleAccountant: {
		CapPOView, CapInvoiceView, CapInvoiceCreate, CapInvoiceMigrate,
		CapPaymentRecord, CapPaymentApprove, CapSupplierManage,
	},
	RoleStorekeeper: {
		CapPRCreate, CapPRSubmit, CapPOView, CapGRNCreate, CapGRNComplete,
		CapDeliveryView, CapDeliveryQC, CapDeliveryComplete, CapStockView, CapStockAdjust,
	},
	RoleSales: {
		CapSalesOrderManage, CapDeliveryView, CapDeliveryCreate, CapDeliveryCancel, CapDeliveryDelete, CapStockView,
	},
	RoleViewer: {
		CapPOView, CapInvoiceView, CapDeliveryView, CapStockView,
	},
}

// CapabilitiesFor maps a role to its capability set. Unknown roles get none.
func CapabilitiesFor(role shared.Role) CapabilitySet {
	switch role {
	case RoleSuperAdmin, RoleAdmin:
		return newSet(allCapabilities()...)
	case shared.System.Role:
		return newSet(CapInvoiceMigrate, CapInvoiceView)
	}
	return newSet(roleCapabilities[role]...)
}

// Require fails with a forbidden error when actor lacks c.
func Require(actor shared.Actor, c Capability) error {
	if CapabilitiesFor(actor.Role).Has(c) {
		return nil
	}
	return shared.Forbidden(string(actor.Role), string(c))
}
