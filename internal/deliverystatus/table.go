package deliverystatus

// Courier status vocabulary. Codes are the courier's stable ids; descriptions are
// the text the courier sends with them.
const PartialDeliveryCode = "21"

var stateDisplay = map[State]struct{ color, icon string }{
	StatePending:         {"#607d8b", "schedule"},
	StateShipped:         {"#2196f3", "local_shipping"},
	StateDelivery:        {"#ff9800", "directions_bike"},
	StateDelivered:       {"#4caf50", "check_circle"},
	StateReturned:        {"#f44336", "undo"},
	StateReturnedInStock: {"#795548", "inventory"},
	StatePartialDelivery: {"#9c27b0", "call_split"},
}

type perm uint8

const (
	permNone   perm = 0
	permEdit   perm = 1 << 0
	permDelete perm = 1 << 1
)

func def(code string, st State, description, label string, p perm) Definition {
	disp := stateDisplay[st]
	return Definition{
		Code:        code,
		State:       st,
		Description: description,
		Label:       label,
		Color:       disp.color,
		Icon:        disp.icon,
		Policy: Policy{
			CanEdit:                  p&permEdit != 0,
			CanDelete:                p&permDelete != 0,
			ReleasesStock:            st.releasesStock(),
			RequiresManualProcessing: st == StatePartialDelivery,
		},
	}
}

var courierTable = []Definition{
	def("1", StatePending, "فعال", "Active", permEdit|permDelete),
	def("2", StateShipped, "تم الاستلام من قبل المندوب", "Picked up by courier", permNone),
	def("3", StateDelivery, "قيد التوصيل الى الزبون (في عهدة المندوب)", "Out for delivery", permNone),
	def("4", StateDelivered, "تم التسليم للزبون", "Delivered", permNone),
	def("5", StateShipped, "في موقع فرز بغداد", "At Baghdad sorting hub", permNone),
	def("6", StateShipped, "في مكتب المحافظة", "At governorate office", permNone),
	def("7", StateShipped, "في الطريق الى مكتب المحافظة", "On the way to governorate office", permNone),
	def("8", StateShipped, "في الطريق الى مكتب بغداد", "On the way to Baghdad office", permNone),
	def("9", StateDelivery, "لا يرد", "No answer", permNone),
	def("10", StateDelivery, "لا يرد بعد الاتفاق", "No answer after agreement", permNone),
	def("11", StateDelivery, "مغلق", "Phone switched off", permNone),
	def("12", StateDelivery, "مغلق بعد الاتفاق", "Switched off after agreement", permNone),
	def("13", StateDelivery, "مؤجل", "Postponed", permEdit),
	def("14", StateReturned, "مؤجل لحين اعادة الطلب لاحقا", "Postponed until re-ordered", permNone),
	def("15", StateReturned, "الغاء الطلب", "Order cancelled", permNone),
	def("16", StateReturned, "رفض الطلب", "Order refused", permNone),
	def("17", StateReturned, "مفصول عن الخدمة", "Number out of service", permNone),
	def("18", StateReturned, "طلب مكرر", "Duplicate order", permNone),
	def("19", StateReturned, "مستلم مسبقا", "Already received", permNone),
	def("20", StateReturned, "الرقم غير معرف", "Unknown phone number", permNone),
	def(PartialDeliveryCode, StatePartialDelivery, "تم التسليم مع الارجاع (تسليم جزئي)", "Delivered with return", permNone),
	def("22", StateDelivery, "لا يمكن الاتصال بالرقم", "Number unreachable", permNone),
	def("23", StateReturned, "ارسال الى مخزن الارجاعات", "Sent to returns warehouse", permNone),
	def("24", StateShipped, "تم تغيير محافظة الزبون", "Customer governorate changed", permNone),
	def("25", StateDelivery, "العنوان غير دقيق", "Address inaccurate", permEdit),
	def("26", StateReturned, "لم يطلب", "Customer did not order", permNone),
	def("27", StateDelivery, "حظر المندوب", "Courier blocked", permNone),
	def("28", StateDelivery, "الزبون غير موجود في العنوان", "Customer not at address", permNone),
	def("29", StateDelivery, "تم تغيير السعر", "Price changed", permNone),
	def("30", StateShipped, "ارسال الى المحافظة مرة اخرى", "Re-sent to governorate", permNone),
	def("31", StateReturned, "الغاء من قبل التاجر", "Cancelled by merchant", permNone),
	def("32", StateReturned, "رفض استلام الشحنة", "Shipment rejected", permNone),
	def("33", StateDelivery, "بانتظار تأكيد الزبون", "Awaiting customer confirmation", permNone),
	def("34", StateDelivery, "الزبون مسافر", "Customer travelling", permNone),
	def("35", StateReturned, "تم ارجاع الشحنة الى مخزن الفرز", "Returned to sorting warehouse", permNone),
	def("36", StateReturned, "في مخزن الارجاعات", "In returns warehouse", permNone),
	def("37", StateReturned, "في الطريق الى التاجر (راجع)", "Return on the way to merchant", permNone),
	def("38", StateReturnedInStock, "راجع عند التاجر", "Returned to merchant", permDelete),
	def("39", StateReturnedInStock, "تم استلام الراجع من قبل التاجر", "Return received by merchant", permDelete),
	def("40", StateDelivered, "تم استلام المبلغ من قبل التاجر", "Amount received by merchant", permNone),
	def("41", StateDelivered, "محاسب مع التاجر", "Settled with merchant", permNone),
	def("42", StateShipped, "تم الشحن ضمن شحنة مجمعة", "Shipped in consolidated batch", permNone),
	def("43", StateDelivery, "معلق للتدقيق", "On hold for review", permNone),
	def("44", StateShipped, "تم اعادة الارسال", "Re-dispatched", permNone),
}
