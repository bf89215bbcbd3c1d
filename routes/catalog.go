package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type filingTypeInfo struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var supportedFilingTypes = []filingTypeInfo{
	{Code: "10-K", Name: "Annual Report", Description: "Comprehensive annual business and financial report"},
	{Code: "10-Q", Name: "Quarterly Report", Description: "Quarterly financial report"},
	{Code: "8-K", Name: "Current Report", Description: "Report of triggering events or corporate changes"},
	{Code: "20-F", Name: "Foreign Annual Report", Description: "Annual report for foreign companies"},
	{Code: "DEF 14A", Name: "Proxy Statement", Description: "Shareholder meeting proxy statement"},
}

var capabilities = []string{
	"Financial data extraction",
	"Risk factor analysis",
	"Management discussion analysis",
	"Balance sheet information",
	"Income statement data",
	"Cash flow analysis",
}

var exampleQuestions = []string{
	"What were the total revenues for Q3 2024?",
	"What are the main risk factors mentioned in this filing?",
	"What is the company's current cash and cash equivalents?",
	"How much did the company spend on research and development?",
	"What was the net income for the reporting period?",
	"What are the company's largest operating expenses?",
	"What new acquisitions or investments were made?",
	"What is management's outlook for the next quarter?",
	"What legal proceedings is the company involved in?",
	"What were the earnings per share for this period?",
}

var sampleRequest = gin.H{
	"filing_url":          "https://www.sec.gov/Archives/edgar/data/320193/000032019324000081/aapl-20240629.htm",
	"question":            "What were the total net sales for the third quarter of 2024?",
	"filing_type":         "10-Q",
	"include_context":     true,
	"max_response_length": 2000,
}

var sampleResponse = gin.H{
	"question":         "What were the total net sales for the third quarter of 2024?",
	"answer":           "According to the 10-Q filing, Apple's total net sales for the third quarter of 2024 were $85.8 billion, representing a 5% increase compared to the same quarter in the previous year.",
	"confidence_score": 0.92,
	"filing_info": gin.H{
		"document_id":      "doc_3f1c2a9b8e7d6c5a",
		"source_url":       "https://www.sec.gov/Archives/edgar/data/320193/000032019324000081/aapl-20240629.htm",
		"company_name":     "Apple Inc.",
		"filing_type":      "10-Q",
		"filing_date":      "2024-08-02",
		"processed_chunks": 100,
		"cached":           false,
	},
	"relevant_chunks":    []gin.H{},
	"processing_time_ms": 1250,
	"ai_model_info": gin.H{
		"llm":        "gemini-2.5-flash",
		"embeddings": "text-embedding-004",
	},
	"pipeline_stages": []string{
		"fetching", "chunking", "embedding", "indexing",
		"retrieving", "prompting", "synthesizing", "scoring", "done",
	},
}

var tips = []string{
	"Be specific in your questions for better results",
	"Reference specific time periods when asking about financial data",
	"Ask about specific line items for detailed financial information",
	"Questions about trends work well with multiple period comparisons",
}

func supportedFilings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"supported_types": supportedFilingTypes,
		"capabilities":    capabilities,
	})
}

func examples(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"example_questions":      exampleQuestions,
		"sample_request":         sampleRequest,
		"sample_response_format": sampleResponse,
		"tips":                   tips,
	})
}
