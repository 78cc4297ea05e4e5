package domain

var Tables = []interface{}{
	// Network
	&NetRouter{},
	&NetService{},
	&NetScheduler{},
	// Catalog
	&Package{},
	// Vouchers
	&Voucher{},
	&VoucherProvisionLog{},
	// Payments
	&PurchaseIntent{},
	&Customer{},
	&PaymentEvent{},
	&OperatorAlert{},
}
