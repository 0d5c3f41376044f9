package impl

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/zks-assess/models"
)

var workbookHeader = []interface{}{
	"Mjera", "Naziv mjere", "Podmjera", "Naziv podmjere",
	"Kontrola", "Naziv kontrole", "Opis",
	"Osnovna", "Srednja", "Napredna",
	"Min. osnovna", "Min. srednja", "Min. napredna",
}

// buildWorkbook renders catalog rows into an in-memory Kontrole sheet.
func buildWorkbook(t *testing.T, rows [][]interface{}) io.Reader {
	t.Helper()

	workbook := excelize.NewFile()
	defer workbook.Close()

	_, err := workbook.NewSheet(controlSheet)
	require.NoError(t, err)
	require.NoError(t, workbook.SetSheetRow(controlSheet, "A1", &workbookHeader))
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		require.NoError(t, err)
		require.NoError(t, workbook.SetSheetRow(controlSheet, cell, &row))
	}

	var buf bytes.Buffer
	require.NoError(t, workbook.Write(&buf))
	return &buf
}

func catalogRows() [][]interface{} {
	return [][]interface{}{
		{"M.1", "Upravljanje rizicima", "1.1", "Politike sigurnosti", "POL-001", "Politika informacijske sigurnosti", "Krovna politika", "O", "O", "O", "", "3,0", "3.5"},
		{"M.1", "Upravljanje rizicima", "1.1", "Politike sigurnosti", "POL-002", "Revizija politika", "", "P", "O", "O", "", "", ""},
		{"M.1", "Upravljanje rizicima", "1.2", "Organizacija sigurnosti", "ORG-001", "Uloge i odgovornosti", "", "", "P", "O", "", "", ""},
		{"M.2", "Tehničke mjere", "2.1", "Kontrola pristupa", "TEH-001", "Upravljanje pristupom", "", "O", "O", "O", "2,5", "", ""},
	}
}

func TestParseWorkbook_Structure(t *testing.T) {
	catalog, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)

	require.Len(t, catalog.Measures, 2)
	m1 := catalog.Measures[0]
	assert.Equal(t, "M.1", m1.Code)
	assert.Equal(t, "Upravljanje rizicima", m1.Name)
	require.Len(t, m1.Submeasures, 2)
	assert.Equal(t, "1.1", m1.Submeasures[0].Code)
	require.Len(t, m1.Submeasures[0].Controls, 2)
	assert.Equal(t, "POL-001", m1.Submeasures[0].Controls[0].Code)

	m2 := catalog.Measures[1]
	require.Len(t, m2.Submeasures, 1)
	require.Len(t, m2.Submeasures[0].Controls, 1)
	assert.Equal(t, "TEH-001", m2.Submeasures[0].Controls[0].Code)
}

func TestParseWorkbook_Obligations(t *testing.T) {
	catalog, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)

	pol001 := catalog.Measures[0].Submeasures[0].Controls[0]
	require.Contains(t, pol001.Requirements, models.SecurityLevelOsnovna)
	assert.True(t, pol001.Requirements[models.SecurityLevelOsnovna].Mandatory)

	pol002 := catalog.Measures[0].Submeasures[0].Controls[1]
	require.Contains(t, pol002.Requirements, models.SecurityLevelOsnovna)
	assert.False(t, pol002.Requirements[models.SecurityLevelOsnovna].Mandatory)
	assert.True(t, pol002.Requirements[models.SecurityLevelSrednja].Mandatory)

	// Empty obligation cell means not applicable at that level.
	org001 := catalog.Measures[0].Submeasures[1].Controls[0]
	assert.NotContains(t, org001.Requirements, models.SecurityLevelOsnovna)
	assert.Contains(t, org001.Requirements, models.SecurityLevelSrednja)
}

func TestParseWorkbook_MinimumScores(t *testing.T) {
	catalog, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)

	// Both comma and dot decimals parse.
	pol001 := catalog.Measures[0].Submeasures[0].Controls[0]
	require.NotNil(t, pol001.Requirements[models.SecurityLevelSrednja].MinimumScore)
	assert.Equal(t, 3.0, *pol001.Requirements[models.SecurityLevelSrednja].MinimumScore)
	require.NotNil(t, pol001.Requirements[models.SecurityLevelNapredna].MinimumScore)
	assert.Equal(t, 3.5, *pol001.Requirements[models.SecurityLevelNapredna].MinimumScore)
	assert.Nil(t, pol001.Requirements[models.SecurityLevelOsnovna].MinimumScore)

	teh001 := catalog.Measures[1].Submeasures[0].Controls[0]
	require.NotNil(t, teh001.Requirements[models.SecurityLevelOsnovna].MinimumScore)
	assert.Equal(t, 2.5, *teh001.Requirements[models.SecurityLevelOsnovna].MinimumScore)
}

func TestParseWorkbook_InvalidControlCode(t *testing.T) {
	rows := [][]interface{}{
		{"M.1", "Mjera", "1.1", "Podmjera", "NOT_A_CODE", "Kontrola", "", "O", "O", "O", "", "", ""},
	}
	_, err := ParseWorkbook(buildWorkbook(t, rows))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_A_CODE")
}

func TestParseWorkbook_MissingColumns(t *testing.T) {
	workbook := excelize.NewFile()
	defer workbook.Close()
	_, err := workbook.NewSheet(controlSheet)
	require.NoError(t, err)
	header := []interface{}{"Mjera", "Podmjera"}
	require.NoError(t, workbook.SetSheetRow(controlSheet, "A1", &header))
	row := []interface{}{"M.1", "1.1"}
	require.NoError(t, workbook.SetSheetRow(controlSheet, "A2", &row))

	var buf bytes.Buffer
	require.NoError(t, workbook.Write(&buf))

	_, err = ParseWorkbook(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required columns")
}

func TestParseWorkbook_MissingSheet(t *testing.T) {
	workbook := excelize.NewFile()
	defer workbook.Close()
	var buf bytes.Buffer
	require.NoError(t, workbook.Write(&buf))

	_, err := ParseWorkbook(&buf)
	require.Error(t, err)
}

func TestCatalogHash_Deterministic(t *testing.T) {
	first, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)
	second, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)

	assert.Equal(t, CatalogHash(first), CatalogHash(second))
	assert.Len(t, CatalogHash(first), 64)
}

func TestCatalogHash_ContentSensitive(t *testing.T) {
	base, err := ParseWorkbook(buildWorkbook(t, catalogRows()))
	require.NoError(t, err)

	changed := catalogRows()
	changed[0][5] = "Izmijenjeni naziv kontrole"
	modified, err := ParseWorkbook(buildWorkbook(t, changed))
	require.NoError(t, err)

	assert.NotEqual(t, CatalogHash(base), CatalogHash(modified))
}

func TestCountCatalog_DedupesControls(t *testing.T) {
	rows := catalogRows()
	// POL-001 mapped into a second submeasure as well.
	rows = append(rows, []interface{}{"M.2", "Tehničke mjere", "2.1", "Kontrola pristupa", "POL-001", "Politika informacijske sigurnosti", "", "O", "O", "O", "", "", ""})

	catalog, err := ParseWorkbook(buildWorkbook(t, rows))
	require.NoError(t, err)

	result := &models.ImportResult{}
	countCatalog(catalog, result)
	assert.Equal(t, 2, result.Measures)
	assert.Equal(t, 3, result.Submeasures)
	assert.Equal(t, 4, result.Controls)
}
