package takeoff

import "strings"

// ElementType is the takeoff classification of an element.
type ElementType string

const (
	ElementBeam          ElementType = "beam"
	ElementColumn        ElementType = "column"
	ElementDoor          ElementType = "door"
	ElementWall          ElementType = "wall"
	ElementWindow        ElementType = "window"
	ElementSlab          ElementType = "slab"
	ElementStair         ElementType = "stair"
	ElementRoof          ElementType = "roof"
	ElementRoom          ElementType = "room"
	ElementRailing       ElementType = "railing"
	ElementSurface       ElementType = "surface"
	ElementGenericObject ElementType = "generic-object"
	ElementOther         ElementType = "other"
	ElementNotFound      ElementType = "not-found"
)

// classTable maps lower-cased source class names to element types. Keep it
// explicit: additions go here, not into matching logic.
var classTable = map[string]ElementType{
	"ifcbeam":                 ElementBeam,
	"ifcbeamstandardcase":     ElementBeam,
	"ifcmember":               ElementBeam,
	"ifcmemberstandardcase":   ElementBeam,
	"ifccolumn":               ElementColumn,
	"ifccolumnstandardcase":   ElementColumn,
	"ifcpile":                 ElementColumn,
	"ifcdoor":                 ElementDoor,
	"ifcdoorstandardcase":     ElementDoor,
	"ifcwall":                 ElementWall,
	"ifcwallstandardcase":     ElementWall,
	"ifcwallelementedcase":    ElementWall,
	"ifccurtainwall":          ElementWall,
	"ifcwindow":               ElementWindow,
	"ifcwindowstandardcase":   ElementWindow,
	"ifcslab":                 ElementSlab,
	"ifcslabstandardcase":     ElementSlab,
	"ifcslabelementedcase":    ElementSlab,
	"ifcfooting":              ElementSlab,
	"ifcstair":                ElementStair,
	"ifcstairflight":          ElementStair,
	"ifcramp":                 ElementStair,
	"ifcrampflight":           ElementStair,
	"ifcroof":                 ElementRoof,
	"ifcspace":                ElementRoom,
	"ifcrailing":              ElementRailing,
	"ifccovering":             ElementSurface,
	"ifcplate":                ElementSurface,
	"ifcplatestandardcase":    ElementSurface,
	"ifcbuildingelementproxy": ElementGenericObject,
	"ifcfurnishingelement":    ElementGenericObject,
	"ifcflowterminal":         ElementGenericObject,
}

// Classify resolves a class name to its element type. Unknown and empty names are
// ElementOther.
func Classify(className string) ElementType {
	if t, ok := classTable[strings.ToLower(strings.TrimSpace(className))]; ok {
		return t
	}
	return ElementOther
}
