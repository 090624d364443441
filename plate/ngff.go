package plate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// NGFF 0.4 attribute documents.  Field names and nesting follow the published
// layout so downstream viewers and table readers accept the store as-is.

const ngffVersion = "0.4"

type ngffAxis struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Unit string `json:"unit,omitempty"`
}

type scaleTransform struct {
	Type  string    `json:"type"`
	Scale []float64 `json:"scale"`
}

type ngffDataset struct {
	Path                      string           `json:"path"`
	CoordinateTransformations []scaleTransform `json:"coordinateTransformations"`
}

type multiscaleDoc struct {
	Version  string        `json:"version"`
	Name     string        `json:"name,omitempty"`
	Axes     []ngffAxis    `json:"axes"`
	Datasets []ngffDataset `json:"datasets"`
}

type omeroWindow struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

type omeroChannel struct {
	Label  string      `json:"label"`
	Color  string      `json:"color"`
	Active bool        `json:"active"`
	Window omeroWindow `json:"window"`
}

type omeroDoc struct {
	Channels []omeroChannel `json:"channels"`
}

type roiRecord struct {
	FieldIndex string  `json:"fieldIndex"`
	X          int64   `json:"x"`
	Y          int64   `json:"y"`
	Z          int64   `json:"z"`
	XLength    int64   `json:"xLength"`
	YLength    int64   `json:"yLength"`
	ZLength    int64   `json:"zLength"`
	Unit       string  `json:"unit,omitempty"`
}

type imageAttrs struct {
	Multiscales []multiscaleDoc        `json:"multiscales"`
	Omero       *omeroDoc              `json:"omero,omitempty"`
	Tables      map[string][]roiRecord `json:"tables,omitempty"`
}

type wellImage struct {
	Path        string `json:"path"`
	Acquisition int    `json:"acquisition"`
}

type wellDoc struct {
	Version string      `json:"version"`
	Images  []wellImage `json:"images"`
}

type wellAttrs struct {
	Well wellDoc `json:"well"`
}

type plateAcquisition struct {
	ID int `json:"id"`
}

type plateName struct {
	Name string `json:"name"`
}

type plateWell struct {
	Path        string `json:"path"`
	RowIndex    int    `json:"rowIndex"`
	ColumnIndex int    `json:"columnIndex"`
}

type plateDoc struct {
	Version      string             `json:"version"`
	Name         string             `json:"name,omitempty"`
	Rows         []plateName        `json:"rows"`
	Columns      []plateName        `json:"columns"`
	Wells        []plateWell        `json:"wells"`
	Acquisitions []plateAcquisition `json:"acquisitions,omitempty"`
}

type plateAttrs struct {
	Plate plateDoc `json:"plate"`
}

// Emitted documents are checked against these schemas before any write so a
// malformed document never reaches the store.  They cover the structural
// constraints of the 0.4 layout that this package relies on.

const plateSchemaJSON = `{
	"type": "object",
	"required": ["plate"],
	"properties": {
		"plate": {
			"type": "object",
			"required": ["version", "rows", "columns", "wells"],
			"properties": {
				"version": {"const": "0.4"},
				"rows": {"type": "array", "items": {"type": "object", "required": ["name"]}},
				"columns": {"type": "array", "items": {"type": "object", "required": ["name"]}},
				"wells": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["path", "rowIndex", "columnIndex"],
						"properties": {
							"path": {"type": "string", "pattern": "^[A-Za-z0-9]+/[0-9]+$"},
							"rowIndex": {"type": "integer", "minimum": 0},
							"columnIndex": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		}
	}
}`

const wellSchemaJSON = `{
	"type": "object",
	"required": ["well"],
	"properties": {
		"well": {
			"type": "object",
			"required": ["version", "images"],
			"properties": {
				"version": {"const": "0.4"},
				"images": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["path"],
						"properties": {
							"path": {"type": "string"},
							"acquisition": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		}
	}
}`

const imageSchemaJSON = `{
	"type": "object",
	"required": ["multiscales"],
	"properties": {
		"multiscales": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["version", "axes", "datasets"],
				"properties": {
					"version": {"const": "0.4"},
					"axes": {
						"type": "array",
						"minItems": 2,
						"items": {
							"type": "object",
							"required": ["name", "type"],
							"properties": {
								"name": {"enum": ["t", "c", "z", "y", "x"]},
								"type": {"enum": ["time", "channel", "space"]}
							}
						}
					},
					"datasets": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["path", "coordinateTransformations"]
						}
					}
				}
			}
		}
	}
}`

var (
	plateSchema = mustCompileSchema("plate.schema.json", plateSchemaJSON)
	wellSchema  = mustCompileSchema("well.schema.json", wellSchemaJSON)
	imageSchema = mustCompileSchema("image.schema.json", imageSchemaJSON)
)

func mustCompileSchema(name, src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile(name)
}

// validateDoc round-trips doc through JSON and checks it against the schema.
func validateDoc(schema *jsonschema.Schema, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("metadata document failed validation: %v", err)
	}
	return nil
}
