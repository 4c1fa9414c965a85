package storage

// Category is one of the fixed partitions of the permanent store.  It names
// both the directory under the public root and the URL prefix.
type Category string

const (
	CategoryUnits   Category = "units"
	CategoryLessons Category = "lessons"
	CategoryTests   Category = "tests"
)

// Categories lists every valid category in display order.
var Categories = []Category{CategoryUnits, CategoryLessons, CategoryTests}

// tempDirName is the holding area for staged files.  It sits beside the
// category directories but is never a category itself.
const tempDirName = "temp"

// ParseCategory validates s against the fixed set.
func ParseCategory(s string) (Category, error) {
	for _, c := range Categories {
		if string(c) == s {
			return c, nil
		}
	}
	return "", ErrInvalidCategory
}

// PublicURL is the stable path under which a stored file is served.
func (c Category) PublicURL(assignedName string) string {
	return "/" + string(c) + "/" + assignedName
}
