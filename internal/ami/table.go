package ami

// Table is a list-action result flattened into rows of tag values.
type Table struct {
	Columns []string
	Rows    [][]string
}

// NewTable builds a table from collected list events. Each event becomes a
// row holding the values of the requested columns, in order.
func NewTable(events []*Message, columns ...string) *Table {
	t := &Table{Columns: columns, Rows: make([][]string, 0, len(events))}
	for _, evt := range events {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = evt.Get(col)
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Column returns the index of the named column, or -1.
func (t *Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}
