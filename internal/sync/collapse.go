package sync

// collapseAction is what happens to the queue when a mutation arrives for
// an item.
type collapseAction int

const (
	actionCreate  collapseAction = iota // queue a new operation
	actionReplace                       // keep the kind, take the new payload
	actionConvert                       // switch to the new kind and payload
	actionCancel                        // drop the queued operation, queue nothing
	actionReject                        // refuse the mutation
)

func (a collapseAction) String() string {
	switch a {
	case actionCreate:
		return "create"
	case actionReplace:
		return "replace"
	case actionConvert:
		return "convert"
	case actionCancel:
		return "cancel"
	}
	return "reject"
}

type collapseKey struct {
	existing OperationKind // "" when nothing is queued
	incoming OperationKind
}

var collapseTable = map[collapseKey]collapseAction{
	{"", OperationInsert}: actionCreate,
	{"", OperationUpdate}: actionCreate,
	{"", OperationDelete}: actionCreate,

	{OperationInsert, OperationInsert}: actionReject,
	{OperationInsert, OperationUpdate}: actionReplace,
	{OperationInsert, OperationDelete}: actionCancel,

	{OperationUpdate, OperationInsert}: actionReject,
	{OperationUpdate, OperationUpdate}: actionReplace,
	{OperationUpdate, OperationDelete}: actionConvert,

	{OperationDelete, OperationInsert}: actionReject,
	{OperationDelete, OperationUpdate}: actionReject,
	{OperationDelete, OperationDelete}: actionReject,
}

// collapse decides how an incoming mutation combines with the operation
// already queued for the item, if any.
func collapse(existing *PendingOperation, incoming OperationKind) collapseAction {
	var kind OperationKind
	if existing != nil {
		kind = existing.Kind
	}
	action, ok := collapseTable[collapseKey{existing: kind, incoming: incoming}]
	if !ok {
		return actionReject
	}
	return action
}
