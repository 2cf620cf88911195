package api

import (
	"github.com/gofiber/fiber/v2"

	apisearch "github.com/ucalyptus/open-mem/api/search"
)

// handleSearchEndpoint handles GET /v1/search requests.
// Query parameters:
//   - q (required): the keyword to search for
//   - limit (optional, default 10): maximum number of records to return
func (s *Server) handleSearchEndpoint(c *fiber.Ctx) error {
	query := c.Query("q")
	if query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "q parameter is required",
		})
	}

	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Error: "limit must be a positive integer",
		})
	}

	output, err := apisearch.Search(c.Context(), s.store, query, limit, s.logger)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error: err.Error(),
		})
	}

	return c.JSON(output)
}
