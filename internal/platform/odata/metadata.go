package odata

import (
	"encoding/xml"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

const edmxNamespace = "http://docs.oasis-open.org/odata/ns/edmx"
const edmNamespace = "http://docs.oasis-open.org/odata/ns/edm"

type edmx struct {
	XMLName      xml.Name     `xml:"edmx:Edmx"`
	Version      string       `xml:"Version,attr"`
	XMLNSEdmx    string       `xml:"xmlns:edmx,attr"`
	DataServices dataServices `xml:"edmx:DataServices"`
}

type dataServices struct {
	Schema csdlSchema `xml:"Schema"`
}

type csdlSchema struct {
	XMLNS           string          `xml:"xmlns,attr"`
	Namespace       string          `xml:"Namespace,attr"`
	EntityType      csdlEntityType  `xml:"EntityType"`
	EntityContainer entityContainer `xml:"EntityContainer"`
}

type csdlEntityType struct {
	Name       string         `xml:"Name,attr"`
	Key        csdlKey        `xml:"Key"`
	Properties []csdlProperty `xml:"Property"`
}

type csdlKey struct {
	PropertyRef propertyRef `xml:"PropertyRef"`
}

type propertyRef struct {
	Name string `xml:"Name,attr"`
}

type csdlProperty struct {
	Name      string `xml:"Name,attr"`
	Type      string `xml:"Type,attr"`
	Nullable  string `xml:"Nullable,attr"`
	MaxLength string `xml:"MaxLength,attr,omitempty"`
}

type entityContainer struct {
	Name      string    `xml:"Name,attr"`
	EntitySet entitySet `xml:"EntitySet"`
}

type entitySet struct {
	Name       string `xml:"Name,attr"`
	EntityType string `xml:"EntityType,attr"`
}

// Metadata renders the CSDL document for the schema.
func Metadata(s *Schema) ([]byte, error) {
	et := csdlEntityType{
		Name: s.EntityType,
		Key:  csdlKey{PropertyRef: propertyRef{Name: s.Key}},
	}
	for _, p := range s.Properties {
		cp := csdlProperty{
			Name:     p.Name,
			Type:     p.Type.String(),
			Nullable: strconv.FormatBool(p.Nullable),
		}
		if p.MaxLength > 0 {
			cp.MaxLength = strconv.Itoa(p.MaxLength)
		}
		et.Properties = append(et.Properties, cp)
	}

	doc := edmx{
		Version:   ODataVersion,
		XMLNSEdmx: edmxNamespace,
		DataServices: dataServices{Schema: csdlSchema{
			XMLNS:      edmNamespace,
			Namespace:  s.Namespace,
			EntityType: et,
			EntityContainer: entityContainer{
				Name:      s.Container,
				EntitySet: entitySet{Name: s.EntitySet, EntityType: s.QualifiedType()},
			},
		}},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// MetadataHandler serves GET $metadata.
func MetadataHandler(s *Schema) echo.HandlerFunc {
	body, err := Metadata(s)
	return func(c echo.Context) error {
		if err != nil {
			return WriteError(c, http.StatusInternalServerError, NewError("InternalError", err.Error()))
		}
		c.Response().Header().Set(HeaderODataVersion, ODataVersion)
		return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, body)
	}
}

// ServiceDocument is the JSON body of GET on the service root.
type ServiceDocument struct {
	Context string                `json:"@odata.context"`
	Value   []ServiceDocumentItem `json:"value"`
}

// ServiceDocumentItem names one entity set exposed by the service.
type ServiceDocumentItem struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

// ServiceDocumentHandler serves GET on the service root.
func ServiceDocumentHandler(serviceRoot func(echo.Context) string, schemas ...*Schema) echo.HandlerFunc {
	return func(c echo.Context) error {
		root := strings.TrimRight(serviceRoot(c), "/")
		doc := ServiceDocument{Context: root + "/$metadata"}
		for _, s := range schemas {
			doc.Value = append(doc.Value, ServiceDocumentItem{Name: s.EntitySet, Kind: "EntitySet", URL: s.EntitySet})
		}
		c.Response().Header().Set(HeaderODataVersion, ODataVersion)
		return c.JSON(http.StatusOK, doc)
	}
}

// ServiceRoot derives the absolute service root URL for a request, given the
// path prefix the OData routes are mounted under.
func ServiceRoot(prefix string) func(echo.Context) string {
	return func(c echo.Context) string {
		return c.Scheme() + "://" + c.Request().Host + strings.TrimRight(prefix, "/")
	}
}
