package workflow

// Status vocabularies used by the built-in tables.
const (
	StatusApproved    = "Approved"
	StatusRejected    = "Rejected"
	StatusDone        = "Done"
	StatusNotDone     = "Not Done"
	StatusOkey        = "okey"
	StatusNotOkey     = "not okey"
	StatusReceived    = "Received"
	StatusNotReceived = "Not Received"
)

// IndentApprovalTable tracks an indent from approval to PO generation.
var IndentApprovalTable = Table{
	Name: "indent",
	Stages: []StageDef{
		NumberedStage("approval", "Approve Indent", 1, StatusApproved, StatusRejected),
		NumberedStage("vendor-rate", "Vendor Rate Update", 2, StatusDone, StatusNotDone),
		NumberedStage("three-party-approval", "Three Party Approval", 3, StatusApproved, StatusRejected),
		NumberedStage("po-generation", "Generate PO", 4, StatusDone, StatusNotDone),
	},
}

// LiftTable tracks material from lifting at the vendor to store receipt.
var LiftTable = Table{
	Name: "lift",
	Stages: []StageDef{
		NumberedStage("lift", "Get Lift", 1, StatusDone, StatusNotDone),
		NumberedStage("store-in", "Store In", 2, StatusReceived, StatusNotReceived),
		NumberedStage("quality-check", "Quality Check", 3, StatusOkey, StatusNotOkey),
	},
}

// TallyEntryTable tracks a received bill through audit and tally posting.
var TallyEntryTable = Table{
	Name: "tally",
	Stages: []StageDef{
		NumberedStage("audit", "Audit Data", 1, StatusOkey, StatusNotOkey),
		NumberedStage("rectify", "Rectify Mistake", 2, StatusDone, StatusNotDone),
		NumberedStage("reaudit", "Reaudit Data", 3, StatusOkey, StatusNotOkey),
		NumberedStage("tally-entry", "Take Entry By Tally", 4, StatusDone, StatusNotDone),
		NumberedStage("bill-filing", "Original Bills Filed", 5, StatusDone, StatusNotDone),
	},
}

// PaymentTable tracks a vendor payment from approval to release.
var PaymentTable = Table{
	Name: "payment",
	Stages: []StageDef{
		NumberedStage("payment-approval", "Approve Payment", 1, StatusApproved, StatusRejected),
		NumberedStage("payment-release", "Release Payment", 2, StatusDone, StatusNotDone),
	},
}
