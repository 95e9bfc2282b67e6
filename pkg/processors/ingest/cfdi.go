package ingest

import (
	"encoding/xml"
	"regexp"

	"github.com/hvilchis/facturaq/pkg/jobs"
)

// CFDI is the structural slice of a fiscal XML document this processor
// validates. Full financial extraction is owned by an external service; the
// core only needs identity, party and total fields plus the stamp block.
type CFDI struct {
	XMLName   xml.Name `xml:"Comprobante"`
	Version   string   `xml:"Version,attr"`
	Serie     string   `xml:"Serie,attr"`
	Folio     string   `xml:"Folio,attr"`
	Tipo      string   `xml:"TipoDeComprobante,attr"`
	SubTotal  float64  `xml:"SubTotal,attr"`
	Descuento float64  `xml:"Descuento,attr"`
	Total     float64  `xml:"Total,attr"`
	Sello     string   `xml:"Sello,attr"`

	Emisor struct {
		RFC    string `xml:"Rfc,attr"`
		Nombre string `xml:"Nombre,attr"`
	} `xml:"Emisor"`
	Receptor struct {
		RFC    string `xml:"Rfc,attr"`
		Nombre string `xml:"Nombre,attr"`
	} `xml:"Receptor"`

	Complemento struct {
		TFD struct {
			UUID string `xml:"UUID,attr"`
		} `xml:"TimbreFiscalDigital"`
	} `xml:"Complemento"`
}

var rfcPattern = regexp.MustCompile(`^[A-ZÑ&]{3,4}[0-9]{6}[A-Z0-9]{3}$`)

// Parse decodes a CFDI document. A document that does not parse is a
// validation failure: malformed input will not become valid on retry.
func Parse(content []byte) (*CFDI, error) {
	var doc CFDI
	if err := xml.Unmarshal(content, &doc); err != nil {
		return nil, jobs.Validationf("XML no válido: %v", err)
	}
	return &doc, nil
}

// Validate runs the structural checks: supported schema version, presence
// of the fiscal identifier and signature blocks, well-formed party RFCs,
// and a non-negative total consistent with subtotal and discount.
func (d *CFDI) Validate() error {
	switch d.Version {
	case "3.3", "4.0":
	default:
		return jobs.Validationf("versión de CFDI no soportada: %q", d.Version)
	}
	if d.Complemento.TFD.UUID == "" {
		return jobs.Validationf("el documento no contiene TimbreFiscalDigital")
	}
	if d.Sello == "" {
		return jobs.Validationf("el documento no contiene sello")
	}
	if !rfcPattern.MatchString(d.Emisor.RFC) {
		return jobs.Validationf("RFC de emisor inválido: %q", d.Emisor.RFC)
	}
	if !rfcPattern.MatchString(d.Receptor.RFC) {
		return jobs.Validationf("RFC de receptor inválido: %q", d.Receptor.RFC)
	}
	if d.Total < 0 || d.SubTotal < 0 {
		return jobs.Validationf("importes negativos en el documento")
	}
	if d.SubTotal > 0 && d.Total > d.SubTotal*2 {
		// The total may exceed subtotal by taxes, never by more than the
		// full tax ceiling; beyond that the amounts are inconsistent.
		return jobs.Validationf("total %0.2f inconsistente con subtotal %0.2f", d.Total, d.SubTotal)
	}
	return nil
}
