package main

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"

	"github.com/leadwise/attribution/internal/model"
)

var (
	suggestWindow int
	suggestLead   string
	suggestExport string
)

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "List retrospective attribution suggestions for orphan contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		window := suggestWindow
		if window == 0 {
			window = cfg.Suggest.WindowHours
		}
		suggestions, err := e.Suggester.Suggest(cmd.Context(), window, suggestLead)
		if err != nil {
			return err
		}

		if suggestExport != "" {
			if err := exportSuggestions(suggestions, suggestExport); err != nil {
				return err
			}
			fmt.Printf("wrote %d suggestions to %s\n", len(suggestions), suggestExport)
			return nil
		}

		if len(suggestions) == 0 {
			fmt.Println("no suggestions in window")
			return nil
		}
		fmt.Printf("%-16s %-38s %-12s %-6s %-7s %s\n",
			"PHONE", "SESSION", "CAMPAIGN", "SCORE", "BAND", "FACTORS")
		for _, s := range suggestions {
			fmt.Printf("%-16s %-38s %-12s %-6.2f %-7s %s\n",
				s.ContactPhone, s.SessionID, s.CampaignID, s.Score, s.Band,
				strings.Join(s.Factors, ","))
		}
		return nil
	},
}

// exportSuggestions writes the suggestion slate to an XLSX workbook for
// the marketing team's review flow.
func exportSuggestions(suggestions []model.CorrelationSuggestion, path string) error {
	file := xlsx.NewFile()
	sheet, err := file.AddSheet("Suggestions")
	if err != nil {
		return eris.Wrap(err, "suggest: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range []string{
		"Phone", "Session", "Campaign", "Source", "Medium",
		"Score", "Band", "Factors", "Session At", "Contact At",
	} {
		header.AddCell().Value = col
	}

	for _, s := range suggestions {
		row := sheet.AddRow()
		row.AddCell().Value = s.ContactPhone
		row.AddCell().Value = s.SessionID
		row.AddCell().Value = s.CampaignID
		row.AddCell().Value = s.UTM.Source
		row.AddCell().Value = s.UTM.Medium
		row.AddCell().SetFloatWithFormat(s.Score, "0.00")
		row.AddCell().Value = string(s.Band)
		row.AddCell().Value = strings.Join(s.Factors, ", ")
		row.AddCell().Value = s.SessionCreatedAt.Format("2006-01-02 15:04:05")
		row.AddCell().Value = s.ContactCreatedAt.Format("2006-01-02 15:04:05")
	}

	return eris.Wrap(file.Save(path), "suggest: save workbook")
}

func init() {
	suggestCmd.Flags().IntVar(&suggestWindow, "window", 0, "lookback window in hours (default from config)")
	suggestCmd.Flags().StringVar(&suggestLead, "lead", "", "restrict to a single contact phone")
	suggestCmd.Flags().StringVar(&suggestExport, "export", "", "write results to an XLSX file instead of stdout")
	rootCmd.AddCommand(suggestCmd)
}
