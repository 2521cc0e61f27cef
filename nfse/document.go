package nfse

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

const (
	NsXSI = "http://www.w3.org/2001/XMLSchema-instance"
	NsXSD = "http://www.w3.org/2001/XMLSchema"

	fallbackDate = "1900-01-01T00:00:00"
)

// Text is a JSON scalar rendered as element text. Records exported from
// spreadsheets mix strings and numbers for the same column.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
	case 't', 'f':
		b, err := strconv.ParseBool(string(data))
		if err != nil {
			return err
		}
		*t = Text(strconv.FormatBool(b))
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("nfse: cannot use %s as text", data)
		}
		*t = Text(n.String())
	}
	return nil
}

// Record holds the data of one service invoice as exported by the billing spreadsheet.
type Record struct {
	ID                          Text `json:"id"`
	NumeroNfse                  Text `json:"numero_nfse"`
	CodigoVerificacao           Text `json:"codigo_verificacao"`
	DataHoraEmissao             Text `json:"data_hora_emissao"`
	NaturezaOperacao            Text `json:"natureza_operacao"`
	OptanteSimplesNacional      Text `json:"optante_simples_nacional"`
	ValorServicos               Text `json:"valor_servicos"`
	ItemListaServicos           Text `json:"item_lista_servicos"`
	Discriminacao               Text `json:"discriminacao"`
	CnpjPrestador               Text `json:"cnpj_prestador"`
	InscricaoMunicipalPrestador Text `json:"inscricao_municipal_prestador"`
	CnpjTomador                 Text `json:"cnpj_tomador"`
	RazaoSocialTomador          Text `json:"razao_social_tomador"`
	EnderecoTomador             Text `json:"endereco_tomador"`
	Numero                      Text `json:"numero"`
	Complemento                 Text `json:"complemento"`
}

// FileName is the name Build output is stored under.
func (r Record) FileName() string {
	return "nfse_" + string(r.ID) + ".xml"
}

// ReadRecords decodes a JSON array of records.
func ReadRecords(r io.Reader) ([]Record, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	return records, nil
}

// FormatISODate converts "dd/mm/yyyy HH:MM" to "yyyy-mm-ddTHH:MM:SS". Values that
// are already ISO 8601 lose their fractional seconds. Anything else becomes
// 1900-01-01T00:00:00.
func FormatISODate(s string) string {
	if strings.Contains(s, "T") {
		return strings.SplitN(s, ".", 2)[0]
	}
	t, err := time.Parse("02/01/2006 15:04", s)
	if err != nil {
		return fallbackDate
	}
	return t.Format("2006-01-02T15:04:05")
}

func addText(parent *etree.Element, tag string, text Text) *etree.Element {
	el := parent.CreateElement(tag)
	el.SetText(string(text))
	return el
}

// Build renders rec as an ArrayOfTcCompNfse document holding a single tcCompNfse.
func Build(rec Record) *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)

	root := doc.CreateElement("ArrayOfTcCompNfse")
	root.CreateAttr("xmlns:xsi", NsXSI)
	root.CreateAttr("xmlns:xsd", NsXSD)

	inf := root.CreateElement("tcCompNfse").CreateElement("Nfse").CreateElement("InfNfse")
	if rec.NumeroNfse != "" {
		addText(inf, "Numero", rec.NumeroNfse)
	}
	if rec.CodigoVerificacao != "" {
		addText(inf, "CodigoVerificacao", rec.CodigoVerificacao)
	}
	addText(inf, "DataEmissao", Text(FormatISODate(string(rec.DataHoraEmissao))))
	addText(inf, "NaturezaOperacao", rec.NaturezaOperacao)
	addText(inf, "OptanteSimplesNacional", rec.OptanteSimplesNacional)

	servico := inf.CreateElement("Servico")
	valores := servico.CreateElement("Valores")
	addText(valores, "ValorServicos", rec.ValorServicos)
	addText(valores, "ItemListaServico", rec.ItemListaServicos)
	addText(servico, "Discriminacao", rec.Discriminacao)

	prestador := inf.CreateElement("PrestadorServico").CreateElement("IdentificacaoPrestador")
	addText(prestador, "Cnpj", rec.CnpjPrestador)
	addText(prestador, "InscricaoMunicipal", rec.InscricaoMunicipalPrestador)

	tomador := inf.CreateElement("TomadorServico")
	addText(tomador.CreateElement("IdentificacaoTomador").CreateElement("CpfCnpj"), "Cnpj", rec.CnpjTomador)
	addText(tomador, "RazaoSocial", rec.RazaoSocialTomador)
	endereco := tomador.CreateElement("Endereco")
	addText(endereco, "Endereco", rec.EnderecoTomador)
	addText(endereco, "Numero", rec.Numero)
	addText(endereco, "Complemento", rec.Complemento)

	doc.Indent(4)
	return doc
}

// WriteAll builds every record into dir and returns the written paths.
func WriteAll(records []Record, dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(records))
	for i, rec := range records {
		if rec.ID == "" {
			return paths, fmt.Errorf("record %d: missing id", i)
		}
		if strings.ContainsAny(string(rec.ID), `/\`) || strings.Contains(string(rec.ID), "..") {
			return paths, fmt.Errorf("record %d: id %q cannot be used in a file name", i, rec.ID)
		}
		path := filepath.Join(dir, rec.FileName())
		if err := Build(rec).WriteToFile(path); err != nil {
			return paths, fmt.Errorf("record %s: %w", rec.ID, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}
