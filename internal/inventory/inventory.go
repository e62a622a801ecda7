// Package inventory defines the inventory shapes the gateway accepts and
// serves. Rows are demo data; nothing here is persisted.
package inventory

// Record is one inventory row as served by the read endpoint.
type Record struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Location  string `json:"location"`
	LowStock  bool   `json:"low_stock"`
}

// Update is the body of an inventory write.
type Update struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  *int   `json:"quantity" validate:"required,gte=0"`
	Location  string `json:"location" validate:"required"`
}

// LowStockThreshold marks rows at or below this quantity as low stock.
const LowStockThreshold = 20

// NewRecord builds a Record, deriving the low-stock flag from quantity.
func NewRecord(productID string, quantity int, location string) Record {
	return Record{
		ID:        productID,
		ProductID: productID,
		Quantity:  quantity,
		Location:  location,
		LowStock:  quantity <= LowStockThreshold,
	}
}

// DemoCatalog returns the fixed rows served to every reader.
func DemoCatalog() []Record {
	return []Record{
		NewRecord("P101", 50, "Delhi"),
		NewRecord("P102", 100, "Mumbai"),
		NewRecord("P103", 15, "Delhi"),
		NewRecord("P104", 200, "Bangalore"),
	}
}
